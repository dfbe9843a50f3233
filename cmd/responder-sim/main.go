package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/goraskills/webhook-bridge/pkg/config"
	"github.com/goraskills/webhook-bridge/pkg/responder"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := os.Getenv("LISTEN")
	if listen == "" {
		listen = ":8080"
	}
	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	flag.StringVar(&listen, "listen", listen, "listen address for serving store objects")
	flag.StringVar(&baseURL, "base-url", baseURL, "URL prefix used for document references in responses")

	klog.InitFlags(nil)
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	store, closeStore, err := cfg.NewStore(ctx)
	if err != nil {
		return fmt.Errorf("creating %s store: %w", cfg.Store, err)
	}
	defer closeStore()

	r := &responder.Responder{
		Store:        store,
		CommandPath:  cfg.CommandPath,
		ResponsePath: cfg.ResponsePath,
		Interval:     cfg.Interval,
		Handle:       responder.DocumentHandler(baseURL, cfg.ResultField),
	}
	server := &http.Server{
		Addr:    listen,
		Handler: &responder.ObjectServer{Store: store},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("watching for commands", "store", cfg.Store, "path", cfg.CommandPath)
		return r.Run(ctx)
	})
	g.Go(func() error {
		log.Info("serving objects", "listen", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving on %q: %w", listen, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})
	return g.Wait()
}
