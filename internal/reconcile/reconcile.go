// Package reconcile applies a comparison verdict to the stored images of a
// target: promote the candidate to baseline, or leave the candidate and its
// diff in place for inspection.
package reconcile

import (
	"errors"
	"fmt"

	"shotmatch/internal/compare"
	"shotmatch/internal/files"
	"shotmatch/internal/paths"

	"go.uber.org/zap"
)

// ErrReconcile is matched by every filesystem failure during reconciliation.
var ErrReconcile = errors.New("reconcile failed")

// Action is the file mutation a reconciliation performed.
type Action string

const (
	// ActionPromoted means the candidate replaced the baseline.
	ActionPromoted Action = "promoted"
	// ActionLeft means the candidate and diff were left for inspection.
	ActionLeft Action = "left"
)

// Mode carries the process-wide run flags read at reconciliation time.
type Mode struct {
	UpdateBaselines bool
}

// Outcome is the terminal state of one target's run.
type Outcome struct {
	Verdict compare.Verdict
	Action  Action
	Passed  bool
	// DiffRemoved is set when a stale diff artifact was deleted.
	DiffRemoved bool
	// DiffPath points at the diff artifact left for inspection. Empty unless
	// Action is ActionLeft.
	DiffPath string
}

// Reconciler mutates storage according to a verdict.
type Reconciler struct {
	mode   Mode
	logger *zap.Logger
}

// New creates a reconciler for the given run mode.
func New(mode Mode, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{mode: mode, logger: logger}
}

// Decide returns the action for a verdict without touching the filesystem.
func (r *Reconciler) Decide(v compare.Verdict) (Action, bool, error) {
	switch v {
	case compare.NoBaseline, compare.Match:
		return ActionPromoted, true, nil
	case compare.Mismatch:
		if r.mode.UpdateBaselines {
			return ActionPromoted, true, nil
		}
		return ActionLeft, false, nil
	default:
		return "", false, fmt.Errorf("%w: invalid verdict %s", ErrReconcile, v)
	}
}

// Reconcile applies v to the images in layout.
//
// Promotion renames the candidate over the baseline and removes any diff
// artifact. A mismatch without UpdateBaselines changes nothing.
func (r *Reconciler) Reconcile(layout paths.Layout, v compare.Verdict) (Outcome, error) {
	action, passed, err := r.Decide(v)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Verdict: v, Action: action, Passed: passed}

	if action == ActionLeft {
		out.DiffPath = layout.Diff
		r.logger.Warn("Screenshot mismatch, leaving artifacts for inspection",
			zap.String("candidate", layout.Candidate),
			zap.String("diff", layout.Diff))
		return out, nil
	}

	if err := files.Move(layout.Candidate, layout.Baseline); err != nil {
		return Outcome{}, fmt.Errorf("%w: promote candidate: %w", ErrReconcile, err)
	}
	removed, err := files.RemoveIfExists(layout.Diff)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: discard diff: %w", ErrReconcile, err)
	}
	out.DiffRemoved = removed

	r.logger.Debug("Promoted candidate to baseline",
		zap.Stringer("verdict", v),
		zap.Bool("update_baselines", r.mode.UpdateBaselines),
		zap.String("baseline", layout.Baseline),
		zap.Bool("diff_removed", removed))
	return out, nil
}
