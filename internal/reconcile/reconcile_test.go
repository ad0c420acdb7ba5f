package reconcile

import (
	"os"
	"path/filepath"
	"testing"

	"shotmatch/internal/compare"
	"shotmatch/internal/paths"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	layout paths.Layout
}

func newFixture(t *testing.T, baseline string, withDiff bool) fixture {
	t.Helper()
	r := paths.NewResolver(t.TempDir(), "shots")
	target := paths.Target{Domain: "shop", Viewport: "desktop", Page: "home"}
	require.NoError(t, r.Prepare(target))
	l := r.Layout(target)

	require.NoError(t, os.WriteFile(l.Baseline, []byte(baseline), 0o644))
	require.NoError(t, os.WriteFile(l.Candidate, []byte("candidate"), 0o644))
	if withDiff {
		require.NoError(t, os.WriteFile(l.Diff, []byte("delta"), 0o644))
	}
	return fixture{layout: l}
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestReconcile_Table(t *testing.T) {
	cases := []struct {
		name       string
		verdict    compare.Verdict
		update     bool
		baseline   string
		withDiff   bool
		wantAction Action
		wantPassed bool
	}{
		{"no baseline", compare.NoBaseline, false, "", false, ActionPromoted, true},
		{"no baseline with update", compare.NoBaseline, true, "", false, ActionPromoted, true},
		{"match", compare.Match, false, "baseline", true, ActionPromoted, true},
		{"match with update", compare.Match, true, "baseline", false, ActionPromoted, true},
		{"mismatch", compare.Mismatch, false, "baseline", true, ActionLeft, false},
		{"mismatch with update", compare.Mismatch, true, "baseline", true, ActionPromoted, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.baseline, tc.withDiff)
			out, err := New(Mode{UpdateBaselines: tc.update}, nil).Reconcile(f.layout, tc.verdict)
			require.NoError(t, err)

			assert.Equal(t, tc.verdict, out.Verdict)
			assert.Equal(t, tc.wantAction, out.Action)
			assert.Equal(t, tc.wantPassed, out.Passed)

			switch tc.wantAction {
			case ActionPromoted:
				assert.Equal(t, "candidate", read(t, f.layout.Baseline))
				assert.NoFileExists(t, f.layout.Candidate)
				assert.NoFileExists(t, f.layout.Diff)
				assert.Equal(t, tc.withDiff, out.DiffRemoved)
				assert.Empty(t, out.DiffPath)
			case ActionLeft:
				assert.Equal(t, tc.baseline, read(t, f.layout.Baseline))
				assert.Equal(t, "candidate", read(t, f.layout.Candidate))
				assert.Equal(t, "delta", read(t, f.layout.Diff))
				assert.Equal(t, f.layout.Diff, out.DiffPath)
			}
		})
	}
}

func TestReconcile_InvalidVerdict(t *testing.T) {
	f := newFixture(t, "baseline", false)
	_, err := New(Mode{}, nil).Reconcile(f.layout, compare.Verdict(0))
	require.ErrorIs(t, err, ErrReconcile)
	assert.Equal(t, "baseline", read(t, f.layout.Baseline))
}

func TestReconcile_MissingCandidate(t *testing.T) {
	f := newFixture(t, "baseline", false)
	require.NoError(t, os.Remove(f.layout.Candidate))

	_, err := New(Mode{}, nil).Reconcile(f.layout, compare.Match)
	require.ErrorIs(t, err, ErrReconcile)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, "baseline", read(t, f.layout.Baseline))
}

func TestDecide(t *testing.T) {
	r := New(Mode{}, nil)
	action, passed, err := r.Decide(compare.Mismatch)
	require.NoError(t, err)
	assert.Equal(t, ActionLeft, action)
	assert.False(t, passed)
}

func TestReconcile_DiffDirectoryKept(t *testing.T) {
	f := newFixture(t, "baseline", true)
	_, err := New(Mode{}, nil).Reconcile(f.layout, compare.Match)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Dir(f.layout.Diff))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
