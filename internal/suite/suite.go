// Package suite loads the YAML list of pages a batch run checks.
//
//	base_url: https://shop.example.com
//	domain: shop
//	viewports: [desktop, mobile]
//	threshold: 0.01
//	pages:
//	  - name: Landing
//	    page: home
//	    url: /
//	  - page: cart
//	    url: /cart
//	    viewports: [desktop]
//	    threshold_type: pixel
package suite

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"shotmatch/internal/matcher"
	"shotmatch/internal/paths"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid suite")

// Suite is a set of pages checked across viewports.
type Suite struct {
	BaseURL   string   `yaml:"base_url,omitempty"`
	Domain    string   `yaml:"domain"`
	Viewports []string `yaml:"viewports"`
	// Suite-wide options; pages may override them.
	Threshold     float64 `yaml:"threshold,omitempty"`
	ThresholdType string  `yaml:"threshold_type,omitempty"`
	Pages         []Page  `yaml:"pages"`
}

// Page is one URL to check.
type Page struct {
	Name          string   `yaml:"name,omitempty"`
	Page          string   `yaml:"page"`
	URL           string   `yaml:"url"`
	Domain        string   `yaml:"domain,omitempty"`
	Viewports     []string `yaml:"viewports,omitempty"`
	Threshold     float64  `yaml:"threshold,omitempty"`
	ThresholdType string   `yaml:"threshold_type,omitempty"`
}

// Job is one request plus the URL that renders it.
type Job struct {
	Request matcher.Request
	URL     string
}

// Load reads and validates a suite file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates suite YAML. Unknown fields are rejected.
func Parse(data []byte) (*Suite, error) {
	var s Suite
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every page expands to addressable targets with
// absolute URLs.
func (s *Suite) Validate() error {
	if len(s.Pages) == 0 {
		return fmt.Errorf("%w: no pages", ErrInvalid)
	}
	if s.BaseURL != "" {
		if u, err := url.Parse(s.BaseURL); err != nil || !u.IsAbs() {
			return fmt.Errorf("%w: base_url %q is not absolute", ErrInvalid, s.BaseURL)
		}
	}
	if s.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be >= 0", ErrInvalid)
	}
	for i, p := range s.Pages {
		if p.Threshold < 0 {
			return fmt.Errorf("%w: page %d: threshold must be >= 0", ErrInvalid, i)
		}
		if len(s.viewportsFor(p)) == 0 {
			return fmt.Errorf("%w: page %d (%s): no viewports", ErrInvalid, i, p.Page)
		}
		if _, err := s.resolveURL(p.URL); err != nil {
			return fmt.Errorf("%w: page %d (%s): %w", ErrInvalid, i, p.Page, err)
		}
	}
	jobs := s.Jobs()
	seen := make(map[paths.Target]bool, len(jobs))
	for _, j := range jobs {
		if err := j.Request.Target.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if seen[j.Request.Target] {
			return fmt.Errorf("%w: %s listed twice", ErrInvalid, j.Request.Target)
		}
		seen[j.Request.Target] = true
	}
	return nil
}

// Jobs expands every page across its viewports, in file order.
func (s *Suite) Jobs() []Job {
	var jobs []Job
	for _, p := range s.Pages {
		domain := p.Domain
		if domain == "" {
			domain = s.Domain
		}
		opts := matcher.Options{Threshold: s.Threshold, ThresholdType: s.ThresholdType}
		if p.Threshold > 0 {
			opts.Threshold = p.Threshold
		}
		if strings.TrimSpace(p.ThresholdType) != "" {
			opts.ThresholdType = p.ThresholdType
		}
		u, _ := s.resolveURL(p.URL)
		for _, vp := range s.viewportsFor(p) {
			name := p.Name
			if name == "" {
				name = p.Page
			}
			jobs = append(jobs, Job{
				Request: matcher.Request{
					Name:    name,
					Target:  paths.Target{Domain: domain, Viewport: vp, Page: p.Page},
					Options: opts,
				},
				URL: u,
			})
		}
	}
	return jobs
}

// Filter keeps the pages whose page id is in names. An empty list keeps all.
func (s *Suite) Filter(names ...string) *Suite {
	if len(names) == 0 {
		return s
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	out := *s
	out.Pages = nil
	for _, p := range s.Pages {
		if keep[p.Page] {
			out.Pages = append(out.Pages, p)
		}
	}
	return &out
}

func (s *Suite) viewportsFor(p Page) []string {
	if len(p.Viewports) > 0 {
		return p.Viewports
	}
	return s.Viewports
}

func (s *Suite) resolveURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if s.BaseURL == "" {
		return "", fmt.Errorf("relative url %q needs base_url", raw)
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}
