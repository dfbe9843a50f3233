package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goraskills/webhook-bridge/pkg/config"
	"github.com/goraskills/webhook-bridge/pkg/exchange"
	"k8s.io/klog/v2"
)

// errExchangeFailed marks a run whose outcome was already printed.
var errExchangeFailed = errors.New("exchange failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdin, os.Stdout)
	stop()
	if err != nil {
		if !errors.Is(err, errExchangeFailed) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	klog.InitFlags(nil)
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	log := klog.FromContext(ctx)

	payload, err := readPayload(cfg.Payload, stdin)
	if err != nil {
		return err
	}

	store, closeStore, err := cfg.NewStore(ctx)
	if err != nil {
		return fmt.Errorf("creating %s store: %w", cfg.Store, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error(err, "closing store")
		}
	}()

	log.Info("sending command", "store", cfg.Store, "commandPath", cfg.CommandPath, "responsePath", cfg.ResponsePath)

	result := exchange.New(store, cfg.ExchangeOptions()).Run(ctx, exchange.Request{Command: payload})
	fmt.Fprintln(stdout, result.Render())

	switch result.Status {
	case exchange.StatusFailed, exchange.StatusInvalid:
		return errExchangeFailed
	}
	return nil
}

func readPayload(payload string, stdin io.Reader) ([]byte, error) {
	if payload != "-" && payload != "" {
		return []byte(payload), nil
	}
	if payload == "" && len(flag.Args()) > 0 {
		return []byte(strings.Join(flag.Args(), " ")), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("reading payload from stdin: %w", err)
	}
	return b, nil
}
