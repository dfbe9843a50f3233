package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/goraskills/webhook-bridge/pkg/blobs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

type Status int

const (
	StatusSucceeded Status = iota
	// StatusUnexpected means a new response arrived but did not have the expected shape.
	StatusUnexpected
	StatusTimedOut
	StatusCancelled
	// StatusFailed means the command could not be sent; polling never started.
	StatusFailed
	// StatusInvalid means the request was rejected before any store access.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "Succeeded"
	case StatusUnexpected:
		return "Unexpected"
	case StatusTimedOut:
		return "TimedOut"
	case StatusCancelled:
		return "Cancelled"
	case StatusFailed:
		return "Failed"
	case StatusInvalid:
		return "Invalid"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result is the outcome of one exchange. Every outcome, including failures, is a Result;
// Render turns it into the string shown to callers that cannot handle errors.
type Result struct {
	Status Status

	// Value is the display form of the document, set for StatusSucceeded.
	Value string
	// DocumentURL is the responder's document reference before presentation.
	DocumentURL string
	// Raw is the decoded response content, set for StatusSucceeded and StatusUnexpected.
	Raw string

	// Err is set for StatusTimedOut, StatusCancelled, StatusFailed and StatusInvalid.
	Err error

	RequestID string
	// Attempts is the number of response reads made while polling.
	Attempts int
	// Budget is the configured polling ceiling.
	Budget time.Duration
}

// Code classifies the outcome. StatusUnexpected maps to codes.Unknown.
func (r Result) Code() codes.Code {
	switch r.Status {
	case StatusSucceeded:
		return codes.OK
	case StatusUnexpected:
		return codes.Unknown
	}
	return status.Code(r.Err)
}

func (r Result) Render() string {
	switch r.Status {
	case StatusSucceeded:
		return r.Value
	case StatusUnexpected:
		return "Unexpected response: " + r.Raw
	case StatusTimedOut:
		return fmt.Sprintf("Error: timed out waiting for a response (%s).", r.Budget)
	case StatusCancelled:
		return "Error: cancelled while waiting for a response."
	case StatusFailed:
		return "Error sending command: " + blobs.Message(r.Err)
	case StatusInvalid:
		return "Error: " + blobs.Message(r.Err) + "."
	}
	return "Error: " + r.Status.String()
}

// Request is one command to send.
type Request struct {
	// Command is the envelope, minimally {"action": ...}. See EncodeCommand for accepted types.
	Command any
}

// Exchange sends commands through a blob store and waits for the responder's answer.
// It keeps no state between runs. Two runs sharing the same paths race each other.
type Exchange struct {
	Store   blobs.Store
	Options Options
}

func New(store blobs.Store, opts Options) *Exchange {
	return &Exchange{Store: store, Options: opts}
}

// Run performs one exchange: capture the response baseline, write the command, poll for a new
// response version and interpret it. It does not return errors; see Result.
func (e *Exchange) Run(ctx context.Context, req Request) Result {
	opts := e.Options.withDefaults()
	requestID := uuid.New().String()

	log := klog.FromContext(ctx).WithValues("requestID", requestID)
	ctx = klog.NewContext(ctx, log)

	result := Result{RequestID: requestID, Budget: opts.Budget()}

	if e.Store == nil {
		result.Status = StatusInvalid
		result.Err = invalid("a blob store is required")
		return result
	}
	command, err := EncodeCommand(req.Command)
	if err != nil {
		result.Status = StatusInvalid
		result.Err = err
		return result
	}

	poller := &Poller{
		Store:       e.Store,
		Path:        opts.ResponsePath,
		Interval:    opts.Interval,
		MaxAttempts: opts.MaxAttempts,
		Wait:        opts.Wait,
	}
	ref := poller.Baseline(ctx)

	dispatcher := &Dispatcher{Store: e.Store}
	message := fmt.Sprintf("Data push %s: %s", requestID, time.Now().UTC().Format(time.RFC3339))
	if _, err := dispatcher.Dispatch(ctx, opts.CommandPath, command, message); err != nil {
		result.Err = err
		result.Status = StatusFailed
		if ctx.Err() != nil {
			result.Status = StatusCancelled
		}
		log.Error(err, "sending command failed", "path", opts.CommandPath)
		return result
	}

	obj, attempts, err := poller.Poll(ctx, ref)
	result.Attempts = attempts
	if err != nil {
		result.Err = err
		result.Status = StatusTimedOut
		if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
			result.Status = StatusCancelled
		}
		log.Info("no response", "path", opts.ResponsePath, "status", result.Status, "attempts", attempts)
		return result
	}

	interpreter := &Interpreter{
		ResultField:     opts.ResultField,
		SuccessStatuses: opts.SuccessStatuses,
		Presenter:       opts.Presenter,
	}
	interpreted := interpreter.Interpret(obj.Content)
	interpreted.RequestID = result.RequestID
	interpreted.Attempts = result.Attempts
	interpreted.Budget = result.Budget

	log.Info("exchange complete", "status", interpreted.Status, "version", obj.Version, "attempts", attempts)
	return interpreted
}
