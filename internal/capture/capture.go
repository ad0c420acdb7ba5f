// Package capture takes the screenshot for a target and reports where the
// image was written.
package capture

import (
	"context"
	"errors"
	"fmt"

	"shotmatch/internal/paths"
)

// ErrCapture is matched by every capture failure.
var ErrCapture = errors.New("capture failed")

// Failure reports that no screenshot could be taken for a target.
type Failure struct {
	Target paths.Target
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("capture %s: %v", f.Target, f.Err)
}

func (f *Failure) Unwrap() []error { return []error{ErrCapture, f.Err} }

// Wrap returns err as a *Failure for target. Existing failures are returned
// unchanged; nil stays nil.
func Wrap(target paths.Target, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Target: target, Err: err}
}

// Capturer takes a screenshot named after id and returns the path of the
// file it actually wrote. That path is owned by the caller afterwards.
type Capturer interface {
	Capture(ctx context.Context, target paths.Target, id string) (string, error)
}

// Func adapts a function to a Capturer.
type Func func(ctx context.Context, target paths.Target, id string) (string, error)

// Capture calls f.
func (f Func) Capture(ctx context.Context, target paths.Target, id string) (string, error) {
	return f(ctx, target, id)
}
