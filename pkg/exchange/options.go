package exchange

import (
	"context"
	"time"
)

const (
	DefaultCommandPath  = "data.json"
	DefaultResponsePath = "response.json"
	DefaultInterval     = 3 * time.Second
	DefaultMaxAttempts  = 20
	DefaultResultField  = "pdfUrl"
)

// DefaultSuccessStatuses includes "succes", which the deployed responder writes.
var DefaultSuccessStatuses = []string{"success", "succes"}

// WaitFunc blocks for d, returning early with ctx.Err() if ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	// CommandPath is where the command envelope is written.
	CommandPath string
	// ResponsePath is where the responder writes its answer.
	ResponsePath string

	// Interval is the wait before each read of ResponsePath.
	Interval time.Duration
	// MaxAttempts bounds the number of reads; the exchange gives up after Interval*MaxAttempts.
	MaxAttempts int

	// ResultField names the response field holding the document reference.
	ResultField     string
	SuccessStatuses []string

	// Presenter turns the document reference into what the caller displays.
	Presenter Presenter

	// Wait defaults to a timer; tests replace it to simulate time.
	Wait WaitFunc
}

func DefaultOptions() Options {
	return Options{
		CommandPath:     DefaultCommandPath,
		ResponsePath:    DefaultResponsePath,
		Interval:        DefaultInterval,
		MaxAttempts:     DefaultMaxAttempts,
		ResultField:     DefaultResultField,
		SuccessStatuses: DefaultSuccessStatuses,
		Presenter:       GoogleDocsViewer,
		Wait:            sleep,
	}
}

// withDefaults fills every zero field from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CommandPath == "" {
		o.CommandPath = d.CommandPath
	}
	if o.ResponsePath == "" {
		o.ResponsePath = d.ResponsePath
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.ResultField == "" {
		o.ResultField = d.ResultField
	}
	if len(o.SuccessStatuses) == 0 {
		o.SuccessStatuses = d.SuccessStatuses
	}
	if o.Presenter == nil {
		o.Presenter = d.Presenter
	}
	if o.Wait == nil {
		o.Wait = d.Wait
	}
	return o
}

// Budget is the worst-case time spent polling.
func (o Options) Budget() time.Duration {
	return o.Interval * time.Duration(o.MaxAttempts)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
