// Package ctxerr provides functions to wrap errors with annotations and
// stack traces.
//
// Typical use is to call New or Wrap[f] as close as possible to where the
// error is encountered, and to keep wrapping with more annotations as the
// error bubbles up. Only the root error closest to the actual failure
// captures a stack trace.
package ctxerr

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rotisserie/eris"
)

// New creates a new error with the provided error message.
func New(ctx context.Context, errMsg string) error {
	return ensureCommonMetadata(ctx, errors.New(errMsg))
}

// Errorf creates a new error with the provided formatted message.
func Errorf(ctx context.Context, fmsg string, args ...interface{}) error {
	return ensureCommonMetadata(ctx, errors.Errorf(fmsg, args...))
}

// Wrap annotates err with the provided message.
func Wrap(ctx context.Context, err error, msg string) error {
	err = ensureCommonMetadata(ctx, err)
	// do not wrap with eris.Wrap, as we want only the root error closest to
	// the actual error condition to capture the stack trace, others just wrap
	// using pkg/errors.
	return errors.Wrap(err, msg)
}

// Wrapf annotates err with the provided formatted message.
func Wrapf(ctx context.Context, err error, fmsg string, args ...interface{}) error {
	err = ensureCommonMetadata(ctx, err)
	return errors.Wrapf(err, fmsg, args...)
}

// Cause returns the root cause of err, unwrapping stacked annotations.
func Cause(err error) error {
	return errors.Cause(err)
}

func ensureCommonMetadata(ctx context.Context, err error) error {
	var sf interface{ StackFrames() []uintptr }
	if err != nil && !errors.As(err, &sf) {
		// no eris error anywhere in the chain, capture the stack trace here
		err = eris.Wrapf(err, "timestamp: %s", time.Now().Format(time.RFC3339))
	}
	return err
}
