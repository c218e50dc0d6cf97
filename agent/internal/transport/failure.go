package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failed upload.
type Kind string

const (
	KindLocal   Kind = "local"   // blob missing or unreadable
	KindInvalid Kind = "invalid" // metadata failed validation
	KindTimeout Kind = "timeout"
	KindNetwork Kind = "network" // DNS, refused, reset
	KindServer  Kind = "server"  // collector answered with a non-success status
)

// Failure is the error returned by Upload for every non-success outcome.
type Failure struct {
	Kind       Kind
	StatusCode int // set for KindServer
	Err        error
}

func (f *Failure) Error() string {
	if f.Kind == KindServer {
		return fmt.Sprintf("%s: status %d: %v", f.Kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the Kind of err if it is a *Failure, or "" otherwise.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// classify maps a client.Do error to a Failure.
func classify(ctx context.Context, err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Failure{Kind: KindTimeout, Err: err}
	}
	return &Failure{Kind: KindNetwork, Err: err}
}
