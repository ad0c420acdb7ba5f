// Package matcher runs the visual regression pipeline for one target:
// capture a screenshot, stage it as the candidate, compare it against the
// baseline and reconcile the stored images according to the verdict.
//
// Stages run strictly in order and each one gates the next. Distinct targets
// may be matched concurrently; the same target must not be, since baseline
// promotion is an unlocked rename and concurrent runs leave the final
// baseline undefined.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shotmatch/internal/capture"
	"shotmatch/internal/compare"
	"shotmatch/internal/files"
	"shotmatch/internal/identity"
	"shotmatch/internal/paths"
	"shotmatch/internal/reconcile"

	"go.uber.org/zap"
)

var (
	// ErrMismatch is matched by the error of a failed check.
	ErrMismatch = errors.New("screenshot does not match baseline")

	// ErrInvalidTarget is returned for targets that cannot be addressed.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrDuplicateTarget is returned when a batch names a target twice.
	ErrDuplicateTarget = errors.New("target appears more than once in batch")
)

// Options are the per-invocation comparison settings.
type Options struct {
	Threshold     float64 `yaml:"threshold" json:"threshold"`
	ThresholdType string  `yaml:"threshold_type" json:"threshold_type"`
}

// Request is one invocation of the pipeline.
//
// Name is a display label used in logs, history and reports. It does not take
// part in addressing: two requests with different names and the same Target
// share the same stored images.
type Request struct {
	Name    string
	Target  paths.Target
	Options Options
}

// Stage is a step of the pipeline.
type Stage string

const (
	StagePrepare   Stage = "prepare"
	StageCapture   Stage = "capture"
	StageCompare   Stage = "compare"
	StageReconcile Stage = "reconcile"
	StageDone      Stage = "done"
)

// Result is the terminal state of one request. Stage is the last stage
// reached; it is StageDone unless Err is set.
type Result struct {
	Request   Request
	ID        string
	Layout    paths.Layout
	Verdict   compare.Verdict
	Outcome   reconcile.Outcome
	Stage     Stage
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Passed reports whether the pipeline completed and the check passed.
func (r Result) Passed() bool {
	return r.Err == nil && r.Stage == StageDone && r.Outcome.Passed
}

// Check returns the infrastructure error, a *MismatchError for a failed
// check, or nil. Hosts use it to fail their assertion.
func (r Result) Check() error {
	if r.Err != nil {
		return r.Err
	}
	if r.Passed() {
		return nil
	}
	return &MismatchError{
		Name:      r.Request.Name,
		Target:    r.Request.Target,
		Candidate: r.Layout.Candidate,
		Diff:      r.Outcome.DiffPath,
	}
}

// MismatchError describes a failed check and where to inspect it.
type MismatchError struct {
	Name      string
	Target    paths.Target
	Candidate string
	Diff      string
}

func (e *MismatchError) Error() string {
	label := e.Target.String()
	if e.Name != "" {
		label = e.Name + " (" + label + ")"
	}
	return fmt.Sprintf("%s: %v; diff at %s", label, ErrMismatch, e.Diff)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Recorder persists results. Recording errors are logged, never returned.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// Observer receives every result, e.g. for metrics.
type Observer interface {
	Observe(r Result)
}

// Config wires a Matcher.
type Config struct {
	Resolver   paths.Resolver
	IDs        identity.Generator
	Capturer   capture.Capturer
	Comparator *compare.Comparator
	Reconciler *reconcile.Reconciler
	// Defaults fill in options a request leaves unset.
	Defaults Options
	Logger   *zap.Logger
	Recorder Recorder
	Observer Observer
}

// Matcher runs the pipeline.
type Matcher struct {
	resolver   paths.Resolver
	ids        identity.Generator
	capturer   capture.Capturer
	comparator *compare.Comparator
	reconciler *reconcile.Reconciler
	defaults   Options
	logger     *zap.Logger
	recorder   Recorder
	observer   Observer
}

// New creates a matcher.
func New(cfg Config) (*Matcher, error) {
	if cfg.Capturer == nil {
		return nil, errors.New("matcher: capturer is required")
	}
	if cfg.Comparator == nil {
		return nil, errors.New("matcher: comparator is required")
	}
	if cfg.Reconciler == nil {
		return nil, errors.New("matcher: reconciler is required")
	}
	if cfg.IDs == nil {
		cfg.IDs = identity.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Matcher{
		resolver:   cfg.Resolver,
		ids:        cfg.IDs,
		capturer:   cfg.Capturer,
		comparator: cfg.Comparator,
		reconciler: cfg.Reconciler,
		defaults:   cfg.Defaults,
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
		observer:   cfg.Observer,
	}, nil
}

// options fills unset request options from the defaults.
func (m *Matcher) options(o Options) Options {
	if o.Threshold <= 0 {
		o.Threshold = m.defaults.Threshold
	}
	if strings.TrimSpace(o.ThresholdType) == "" {
		o.ThresholdType = m.defaults.ThresholdType
	}
	o.Threshold = compare.NormalizeThreshold(o.Threshold)
	o.ThresholdType = strings.TrimSpace(o.ThresholdType)
	return o
}

// Match runs the pipeline for req. A mismatch is not an error: it is
// reported through Result.Passed and Result.Check. Capture, comparison and
// reconciliation failures abort the run and are returned (and set on the
// result).
//
// Callers must not run the same Target concurrently.
func (m *Matcher) Match(ctx context.Context, req Request) (res Result, err error) {
	req.Options = m.options(req.Options)
	res = Result{
		Request:   req,
		Layout:    m.resolver.Layout(req.Target),
		Stage:     StagePrepare,
		StartedAt: time.Now(),
	}
	log := m.logger.With(
		zap.String("name", req.Name),
		zap.Stringer("target", req.Target))

	defer func() {
		res.Duration = time.Since(res.StartedAt)
		res.Err = err
		m.finish(ctx, log, res)
	}()

	if err := req.Target.Validate(); err != nil {
		return res, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if err := m.resolver.Prepare(req.Target); err != nil {
		return res, fmt.Errorf("prepare %s: %w", req.Target, err)
	}

	res.Stage = StageCapture
	res.ID = m.ids.Generate()
	log.Debug("Taking screenshot", zap.String("id", res.ID))
	tmp, err := m.capturer.Capture(ctx, req.Target, res.ID)
	if err != nil {
		return res, capture.Wrap(req.Target, err)
	}
	if tmp != res.Layout.Candidate {
		log.Debug("Move screenshot", zap.String("from", tmp), zap.String("to", res.Layout.Candidate))
		if err := files.Move(tmp, res.Layout.Candidate); err != nil {
			return res, capture.Wrap(req.Target, fmt.Errorf("stage candidate: %w", err))
		}
	}
	log.Debug("Screenshot taken", zap.String("candidate", res.Layout.Candidate))

	res.Stage = StageCompare
	res.Verdict, err = m.comparator.Compare(ctx, compare.Request{
		Baseline:      res.Layout.Baseline,
		Candidate:     res.Layout.Candidate,
		DiffOutput:    res.Layout.Diff,
		Threshold:     req.Options.Threshold,
		ThresholdType: req.Options.ThresholdType,
	})
	if err != nil {
		return res, err
	}

	res.Stage = StageReconcile
	res.Outcome, err = m.reconciler.Reconcile(res.Layout, res.Verdict)
	if err != nil {
		return res, err
	}

	res.Stage = StageDone
	return res, nil
}

func (m *Matcher) finish(ctx context.Context, log *zap.Logger, res Result) {
	fields := []zap.Field{
		zap.String("stage", string(res.Stage)),
		zap.Duration("duration", res.Duration),
	}
	switch {
	case res.Err != nil:
		log.Error("Screenshot match aborted", append(fields, zap.Error(res.Err))...)
	case res.Passed():
		log.Info("Matched screenshot", append(fields,
			zap.Stringer("verdict", res.Verdict),
			zap.String("action", string(res.Outcome.Action)))...)
	default:
		log.Warn("Screenshot mismatch", append(fields,
			zap.Stringer("verdict", res.Verdict),
			zap.String("diff", res.Outcome.DiffPath))...)
	}

	if m.observer != nil {
		m.observer.Observe(res)
	}
	if m.recorder != nil {
		if err := m.recorder.Record(context.WithoutCancel(ctx), res); err != nil {
			log.Warn("Failed to record result", zap.Error(err))
		}
	}
}
