// Package compare decides whether a freshly captured candidate matches its
// baseline. Pixel comparison itself is delegated to a Differ; this package
// owns the empty-baseline policy and keeps differ errors distinct from
// mismatches.
package compare

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"shotmatch/internal/files"

	"go.uber.org/zap"
)

// DefaultThreshold is the tolerance used when a request leaves it unset.
const DefaultThreshold = 0.005

// ErrCompare is matched by every comparison failure.
var ErrCompare = errors.New("comparison failed")

// Failure reports that the comparison could not be carried out. It is never
// a mismatch.
type Failure struct {
	Baseline  string
	Candidate string
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("compare %s against %s: %v", f.Candidate, f.Baseline, f.Err)
}

func (f *Failure) Unwrap() []error { return []error{ErrCompare, f.Err} }

// Request describes one comparison. A Differ always receives the
// Normalized form.
type Request struct {
	Baseline      string
	Candidate     string
	DiffOutput    string
	Threshold     float64
	ThresholdType string
}

// Normalized returns r with the threshold defaulted and the threshold type
// trimmed. An empty type selects the mechanism default.
func (r Request) Normalized() Request {
	r.Threshold = NormalizeThreshold(r.Threshold)
	r.ThresholdType = strings.TrimSpace(r.ThresholdType)
	return r
}

// Outcome is a Differ's structured answer.
type Outcome struct {
	Match bool
}

// Differ compares two images. It writes a visual delta to DiffOutput when the
// images diverge. An error means the mechanism itself failed.
type Differ interface {
	Diff(ctx context.Context, in Request) (Outcome, error)
}

// DifferFunc adapts a function to a Differ.
type DifferFunc func(ctx context.Context, in Request) (Outcome, error)

// Diff calls f.
func (f DifferFunc) Diff(ctx context.Context, in Request) (Outcome, error) {
	return f(ctx, in)
}

// Comparator wraps a Differ with the baseline bootstrap policy.
type Comparator struct {
	differ Differ
	logger *zap.Logger
}

// NewComparator creates a comparator. A nil logger disables logging.
func NewComparator(differ Differ, logger *zap.Logger) *Comparator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Comparator{differ: differ, logger: logger}
}

// Compare returns NoBaseline when the baseline is empty, otherwise the
// differ's verdict. Failures are returned as *Failure.
func (c *Comparator) Compare(ctx context.Context, req Request) (Verdict, error) {
	fail := func(err error) (Verdict, error) {
		return 0, &Failure{Baseline: req.Baseline, Candidate: req.Candidate, Err: err}
	}

	candSize, err := files.Size(req.Candidate)
	if err != nil {
		return fail(fmt.Errorf("candidate: %w", err))
	}
	if candSize == 0 {
		return fail(errors.New("candidate is empty"))
	}

	baseSize, err := files.Size(req.Baseline)
	if err != nil {
		return fail(fmt.Errorf("baseline: %w", err))
	}
	if baseSize == 0 {
		c.logger.Info("No previous screenshot found to match against", zap.String("baseline", req.Baseline))
		return NoBaseline, nil
	}

	if c.differ == nil {
		return fail(errors.New("no differ configured"))
	}

	in := req.Normalized()

	c.logger.Debug("Matching screenshot",
		zap.String("baseline", in.Baseline),
		zap.String("candidate", in.Candidate),
		zap.Float64("threshold", in.Threshold),
		zap.String("threshold_type", in.ThresholdType))

	out, err := c.differ.Diff(ctx, in)
	if err != nil {
		return fail(err)
	}
	if out.Match {
		return Match, nil
	}
	return Mismatch, nil
}

// NormalizeThreshold maps unset or invalid thresholds to DefaultThreshold.
func NormalizeThreshold(th float64) float64 {
	if th <= 0 || math.IsNaN(th) || math.IsInf(th, 0) {
		return DefaultThreshold
	}
	return th
}
