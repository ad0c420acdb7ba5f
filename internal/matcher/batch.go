package matcher

import (
	"context"
	"errors"
	"fmt"

	"shotmatch/internal/paths"
	"shotmatch/internal/reconcile"

	"golang.org/x/sync/errgroup"
)

// RunAll matches every request, running up to parallelism targets at once.
// Requests sharing a Target are rejected before anything runs. A failure of
// one target does not stop the others; all infrastructure errors are joined
// in the returned error. Results are in request order.
func (m *Matcher) RunAll(ctx context.Context, reqs []Request, parallelism int) ([]Result, error) {
	if err := checkDistinct(reqs); err != nil {
		return nil, err
	}
	if parallelism < 1 {
		parallelism = 1
	}

	results := make([]Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			results[i], _ = m.Match(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return results, errors.Join(errs...)
}

func checkDistinct(reqs []Request) error {
	seen := make(map[paths.Target]int, len(reqs))
	for i, r := range reqs {
		if j, ok := seen[r.Target]; ok {
			return fmt.Errorf("%w: %s (requests %d and %d)", ErrDuplicateTarget, r.Target, j, i)
		}
		seen[r.Target] = i
	}
	return nil
}

// Summary counts the results of a batch.
type Summary struct {
	Total    int
	Passed   int
	Promoted int
	Failed   int
	Errored  int
}

// Summarize counts results by outcome.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.Errored++
		case r.Passed():
			s.Passed++
			if r.Outcome.Action == reconcile.ActionPromoted {
				s.Promoted++
			}
		default:
			s.Failed++
		}
	}
	return s
}

// OK reports whether every result passed.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.Errored == 0
}
