package compare

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDiffer struct {
	calls []Request
	out   Outcome
	err   error
}

func (d *recordingDiffer) Diff(_ context.Context, in Request) (Outcome, error) {
	d.calls = append(d.calls, in)
	return d.out, d.err
}

func writeFiles(t *testing.T, baseline, candidate string) Request {
	t.Helper()
	dir := t.TempDir()
	req := Request{
		Baseline:   filepath.Join(dir, "base.png"),
		Candidate:  filepath.Join(dir, "new.png"),
		DiffOutput: filepath.Join(dir, "diff.png"),
	}
	require.NoError(t, os.WriteFile(req.Baseline, []byte(baseline), 0o644))
	require.NoError(t, os.WriteFile(req.Candidate, []byte(candidate), 0o644))
	return req
}

func TestCompare_EmptyBaselineSkipsDiffer(t *testing.T) {
	d := &recordingDiffer{out: Outcome{Match: false}}
	req := writeFiles(t, "", "png")

	v, err := NewComparator(d, nil).Compare(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, NoBaseline, v)
	assert.Empty(t, d.calls)
}

func TestCompare_DifferVerdicts(t *testing.T) {
	for _, tc := range []struct {
		match bool
		want  Verdict
	}{
		{true, Match},
		{false, Mismatch},
	} {
		d := &recordingDiffer{out: Outcome{Match: tc.match}}
		v, err := NewComparator(d, nil).Compare(context.Background(), writeFiles(t, "old", "new"))
		require.NoError(t, err)
		assert.Equal(t, tc.want, v)
	}
}

func TestCompare_DifferGetsNormalizedRequest(t *testing.T) {
	d := &recordingDiffer{out: Outcome{Match: true}}
	req := writeFiles(t, "old", "new")
	req.ThresholdType = "   "

	_, err := NewComparator(d, nil).Compare(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, d.calls, 1)

	want := Request{
		Baseline:   req.Baseline,
		Candidate:  req.Candidate,
		DiffOutput: req.DiffOutput,
		Threshold:  DefaultThreshold,
	}
	if diff := cmp.Diff(want, d.calls[0]); diff != "" {
		t.Errorf("differ input mismatch (-want +got):\n%s", diff)
	}

	req.Threshold = 0.01
	req.ThresholdType = " percent "
	_, err = NewComparator(d, nil).Compare(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0.01, d.calls[1].Threshold)
	assert.Equal(t, "percent", d.calls[1].ThresholdType)
}

func TestCompare_DifferErrorIsFailureNotMismatch(t *testing.T) {
	boom := errors.New("corrupt png")
	d := &recordingDiffer{err: boom}

	v, err := NewComparator(d, nil).Compare(context.Background(), writeFiles(t, "old", "new"))
	require.Error(t, err)
	assert.Zero(t, v)
	assert.ErrorIs(t, err, ErrCompare)
	assert.ErrorIs(t, err, boom)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Contains(t, f.Candidate, "new.png")
}

func TestCompare_Preconditions(t *testing.T) {
	d := &recordingDiffer{out: Outcome{Match: true}}
	c := NewComparator(d, nil)

	_, err := c.Compare(context.Background(), writeFiles(t, "old", ""))
	assert.ErrorIs(t, err, ErrCompare, "empty candidate")

	req := writeFiles(t, "old", "new")
	require.NoError(t, os.Remove(req.Baseline))
	_, err = c.Compare(context.Background(), req)
	assert.ErrorIs(t, err, ErrCompare, "missing baseline")
	assert.ErrorIs(t, err, os.ErrNotExist)

	req = writeFiles(t, "old", "new")
	require.NoError(t, os.Remove(req.Candidate))
	_, err = c.Compare(context.Background(), req)
	assert.ErrorIs(t, err, ErrCompare, "missing candidate")

	assert.Empty(t, d.calls)
}

func TestCompare_NilDiffer(t *testing.T) {
	_, err := NewComparator(nil, nil).Compare(context.Background(), writeFiles(t, "old", "new"))
	assert.ErrorIs(t, err, ErrCompare)
}

func TestDifferFunc(t *testing.T) {
	f := DifferFunc(func(_ context.Context, in Request) (Outcome, error) {
		return Outcome{Match: in.Threshold > 0.1}, nil
	})
	out, err := f.Diff(context.Background(), Request{Threshold: 0.5})
	require.NoError(t, err)
	assert.True(t, out.Match)
}

func TestNormalizeThreshold(t *testing.T) {
	assert.Equal(t, DefaultThreshold, NormalizeThreshold(0))
	assert.Equal(t, DefaultThreshold, NormalizeThreshold(-1))
	assert.Equal(t, 0.2, NormalizeThreshold(0.2))
}

func TestRequest_Normalized(t *testing.T) {
	req := Request{Baseline: "b.png", Candidate: "c.png", DiffOutput: "d.png", ThresholdType: " pixel "}
	got := req.Normalized()
	assert.Equal(t, Request{Baseline: "b.png", Candidate: "c.png", DiffOutput: "d.png", Threshold: DefaultThreshold, ThresholdType: "pixel"}, got)
	assert.Equal(t, got, got.Normalized())
	assert.Equal(t, " pixel ", req.ThresholdType)
}

func TestVerdict(t *testing.T) {
	for v, want := range map[Verdict]string{Match: "match", Mismatch: "mismatch", NoBaseline: "no_baseline"} {
		assert.Equal(t, want, v.String())
		assert.True(t, v.Valid())
	}
	assert.False(t, Verdict(0).Valid())
	assert.Equal(t, "verdict(0)", Verdict(0).String())
}
