package matcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"shotmatch/internal/capture"
	"shotmatch/internal/compare"
	"shotmatch/internal/identity"
	"shotmatch/internal/paths"
	"shotmatch/internal/reconcile"

	"github.com/stretchr/testify/require"
)

// harness wires a Matcher to an in-memory "renderer" and a byte-level differ.
// An image is a byte slice; each byte is one pixel.
type harness struct {
	t        *testing.T
	root     string
	tempDir  string
	resolver paths.Resolver

	mu          sync.Mutex
	screens     map[paths.Target][]byte
	captureErrs map[paths.Target]error
	differErr   error
	diffCalls   int
	ids         []string
	recorded    []Result
	observed    []Result
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	return &harness{
		t:           t,
		root:        root,
		tempDir:     filepath.Join(root, "tmp"),
		resolver:    paths.NewResolver(root, "shots"),
		screens:     make(map[paths.Target][]byte),
		captureErrs: make(map[paths.Target]error),
	}
}

func (h *harness) render(target paths.Target, img []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.screens[target] = img
}

func (h *harness) failCapture(target paths.Target, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.captureErrs[target] = err
}

func (h *harness) capturer() capture.Capturer {
	return capture.Func(func(_ context.Context, target paths.Target, id string) (string, error) {
		h.mu.Lock()
		img, ok := h.screens[target]
		captureErr := h.captureErrs[target]
		h.ids = append(h.ids, id)
		h.mu.Unlock()

		if captureErr != nil {
			return "", captureErr
		}
		if !ok {
			return "", errors.New("page not ready")
		}
		if err := os.MkdirAll(h.tempDir, 0o755); err != nil {
			return "", err
		}
		path := filepath.Join(h.tempDir, id+".png")
		return path, os.WriteFile(path, img, 0o644)
	})
}

// differ reports a mismatch when the fraction of differing pixels exceeds
// the threshold, writing a delta image the way a real tool would.
func (h *harness) differ() compare.Differ {
	return compare.DifferFunc(func(_ context.Context, in compare.Request) (compare.Outcome, error) {
		h.mu.Lock()
		h.diffCalls++
		differErr := h.differErr
		h.mu.Unlock()
		if differErr != nil {
			return compare.Outcome{}, differErr
		}

		old, err := os.ReadFile(in.Baseline)
		if err != nil {
			return compare.Outcome{}, err
		}
		cur, err := os.ReadFile(in.Candidate)
		if err != nil {
			return compare.Outcome{}, err
		}
		if len(old) != len(cur) {
			return compare.Outcome{}, errors.New("image sizes differ")
		}

		delta := make([]byte, len(cur))
		changed := 0
		for i := range cur {
			if cur[i] != old[i] {
				changed++
				delta[i] = 'x'
			} else {
				delta[i] = '.'
			}
		}
		if float64(changed)/float64(len(cur)) <= in.Threshold {
			return compare.Outcome{Match: true}, nil
		}
		return compare.Outcome{Match: false}, os.WriteFile(in.DiffOutput, delta, 0o644)
	})
}

func (h *harness) Record(_ context.Context, r Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorded = append(h.recorded, r)
	return nil
}

func (h *harness) Observe(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observed = append(h.observed, r)
}

func (h *harness) matcher(update bool) *Matcher {
	h.t.Helper()
	m, err := New(Config{
		Resolver:   h.resolver,
		IDs:        identity.Default(),
		Capturer:   h.capturer(),
		Comparator: compare.NewComparator(h.differ(), nil),
		Reconciler: reconcile.New(reconcile.Mode{UpdateBaselines: update}, nil),
		Defaults:   Options{Threshold: compare.DefaultThreshold},
		Recorder:   h,
		Observer:   h,
	})
	require.NoError(h.t, err)
	return m
}

func (h *harness) read(target paths.Target, kind paths.Kind) []byte {
	h.t.Helper()
	data, err := os.ReadFile(h.resolver.Resolve(target, kind))
	require.NoError(h.t, err)
	return data
}

func (h *harness) write(target paths.Target, kind paths.Kind, data []byte) {
	h.t.Helper()
	path := h.resolver.Resolve(target, kind)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, data, 0o644))
}

func (h *harness) exists(target paths.Target, kind paths.Kind) bool {
	_, err := os.Stat(h.resolver.Resolve(target, kind))
	return err == nil
}

// image returns n pixels of value 'a' with the listed indexes set to 'b'.
func image(n int, changed ...int) []byte {
	img := bytes.Repeat([]byte{'a'}, n)
	for _, i := range changed {
		img[i] = 'b'
	}
	return img
}

func (h *harness) tempFiles() []string {
	entries, err := os.ReadDir(h.tempDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".png") {
			names = append(names, e.Name())
		}
	}
	return names
}
