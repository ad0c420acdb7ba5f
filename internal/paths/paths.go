// Package paths maps a logical screenshot target onto its canonical storage
// locations.
//
// Layout, relative to the configured root:
//
//	<folder>/<domain>/<viewport>/<page>.png       baseline
//	<folder>/new/<domain>/<viewport>/<page>.png   candidate
//	<folder>/diff/<domain>/<viewport>/<page>.png  diff artifact
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFolder is the screenshot folder used when none is configured.
const DefaultFolder = "cypress/match-screenshots"

// Target is the logical identity of a comparison unit. It is only used for
// addressing and is never persisted.
type Target struct {
	Domain   string `yaml:"domain" json:"domain"`
	Viewport string `yaml:"viewport" json:"viewport"`
	Page     string `yaml:"page" json:"page"`
}

// String renders the target as domain/viewport/page.
func (t Target) String() string {
	return t.Domain + "/" + t.Viewport + "/" + t.Page
}

// Validate rejects targets that would escape the screenshot folder or
// produce an ambiguous path.
func (t Target) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"domain", t.Domain},
		{"viewport", t.Viewport},
		{"page", t.Page},
	} {
		if f.value == "" {
			return fmt.Errorf("target %s is empty", f.name)
		}
		if f.value == "." || f.value == ".." || filepath.Base(f.value) != f.value {
			return fmt.Errorf("target %s %q must be a single path element", f.name, f.value)
		}
	}
	return nil
}

// Kind selects one of the three stored images of a target.
type Kind int

const (
	Baseline Kind = iota
	Candidate
	Diff
)

func (k Kind) String() string {
	switch k {
	case Baseline:
		return "baseline"
	case Candidate:
		return "candidate"
	case Diff:
		return "diff"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// subfolder is the directory inserted between the screenshot folder and the
// domain for each kind.
func (k Kind) subfolder() string {
	switch k {
	case Candidate:
		return "new"
	case Diff:
		return "diff"
	default:
		return ""
	}
}

// Layout holds every canonical path of one target.
type Layout struct {
	Baseline  string
	Candidate string
	Diff      string
}

// Resolver is an immutable mapping from targets to paths. The zero value
// resolves relative to the working directory under DefaultFolder.
type Resolver struct {
	root   string
	folder string
}

// NewResolver builds a resolver for the given root prefix and screenshot
// folder. An empty folder selects DefaultFolder.
func NewResolver(root, folder string) Resolver {
	if folder == "" {
		folder = DefaultFolder
	}
	return Resolver{root: root, folder: folder}
}

// Root returns the configured root prefix.
func (r Resolver) Root() string { return r.root }

// Folder returns the screenshot folder name.
func (r Resolver) Folder() string {
	if r.folder == "" {
		return DefaultFolder
	}
	return r.folder
}

// Resolve returns the path of the given kind of image for target.
func (r Resolver) Resolve(target Target, kind Kind) string {
	return filepath.Join(r.root, r.Relative(target, kind))
}

// Relative returns the path of the given kind of image relative to the root.
func (r Resolver) Relative(target Target, kind Kind) string {
	return filepath.Join(r.Folder(), kind.subfolder(), target.Domain, target.Viewport, target.Page+".png")
}

// Layout resolves all three paths of target.
func (r Resolver) Layout(target Target) Layout {
	return Layout{
		Baseline:  r.Resolve(target, Baseline),
		Candidate: r.Resolve(target, Candidate),
		Diff:      r.Resolve(target, Diff),
	}
}

// Prepare makes sure the directories of all three kinds exist and that the
// baseline path holds at least an empty placeholder. It is safe to call on
// every run: existing directories and baselines are left untouched.
func (r Resolver) Prepare(target Target) error {
	l := r.Layout(target)
	for _, p := range []string{l.Candidate, l.Diff, l.Baseline} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", p, err)
		}
	}

	f, err := os.OpenFile(l.Baseline, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("create baseline placeholder: %w", err)
	}
	return f.Close()
}
