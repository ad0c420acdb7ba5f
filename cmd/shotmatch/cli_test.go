package main

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
	"shotmatch/internal/config"
	"shotmatch/internal/history"
	"shotmatch/internal/matcher"
	"shotmatch/internal/metrics"
	"shotmatch/internal/paths"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend "renders" a URL by writing the URL text itself as the image.
type fakeBackend struct {
	dir  string
	mu   sync.Mutex
	urls map[paths.Target]string
}

func (f *fakeBackend) SetURL(target paths.Target, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls[target] = url
}

func (f *fakeBackend) Capture(_ context.Context, target paths.Target, id string) (string, error) {
	f.mu.Lock()
	url, ok := f.urls[target]
	f.mu.Unlock()
	if !ok {
		return "", errors.New("no url")
	}
	if strings.Contains(url, "broken") {
		return "", errors.New("navigation failed")
	}
	path := filepath.Join(f.dir, id+".png")
	return path, os.WriteFile(path, []byte(url), 0o644)
}

func (f *fakeBackend) Close() error { return nil }

// equalDiffer matches byte-identical images and writes a diff otherwise.
func equalDiffer(_ *config.Config, _ *zap.Logger) compare.Differ {
	return compare.DifferFunc(func(_ context.Context, in compare.Request) (compare.Outcome, error) {
		a, err := os.ReadFile(in.Baseline)
		if err != nil {
			return compare.Outcome{}, err
		}
		b, err := os.ReadFile(in.Candidate)
		if err != nil {
			return compare.Outcome{}, err
		}
		if bytes.Equal(a, b) {
			return compare.Outcome{Match: true}, nil
		}
		return compare.Outcome{}, os.WriteFile(in.DiffOutput, []byte("delta"), 0o644)
	})
}

// setup points the globals at a temp workspace with fakes for the browser
// and the diff tool.
func setup(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	c := config.DefaultConfig()
	c.Registration = config.Register("", root)
	c.TempDir = filepath.Join(root, "tmp")
	require.NoError(t, os.MkdirAll(c.TempDir, 0o755))

	prevCfg, prevLogger, prevOpen, prevDiffer := cfg, logger, openBackend, newDiffer
	prevConfigPath, prevSuite, prevPages := configPath, suitePath, suitePages
	prevRoot, prevUpdate := rootFolder, update
	prevURL, prevTh, prevType := matchURL, matchThreshold, matchThresholdType
	t.Cleanup(func() {
		cfg, logger, openBackend, newDiffer = prevCfg, prevLogger, prevOpen, prevDiffer
		configPath, suitePath, suitePages = prevConfigPath, prevSuite, prevPages
		rootFolder, update = prevRoot, prevUpdate
		matchURL, matchThreshold, matchThresholdType = prevURL, prevTh, prevType
		historyQuery, historyFail, historySince, historyPrune = history.Query{}, false, 0, 0
	})

	cfg, logger = c, zap.NewNop()
	configPath = filepath.Join(root, config.DefaultPath)
	openBackend = func(context.Context, *config.Config, *zap.Logger) (backend, error) {
		return &fakeBackend{dir: c.TempDir, urls: make(map[paths.Target]string)}, nil
	}
	newDiffer = equalDiffer
	historyQuery = history.Query{Limit: history.DefaultLimit}
	return root
}

func command() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	return cmd, &out
}

func shot(root, kind, page string) string {
	return filepath.Join(root, paths.DefaultFolder, kind, "shop", "desktop", page+".png")
}

func TestMatchCmd_Lifecycle(t *testing.T) {
	root := setup(t)
	args := []string{"Landing", "shop", "home", "desktop"}

	matchURL = "https://shop.test/v1"
	cmd, out := command()
	require.NoError(t, runMatch(cmd, args))
	assert.Contains(t, out.String(), "no_baseline")

	baseline := filepath.Join(root, paths.DefaultFolder, "shop", "desktop", "home.png")
	data, err := os.ReadFile(baseline)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/v1", string(data))

	cmd, _ = command()
	require.NoError(t, runMatch(cmd, args), "an unchanged page matches")

	matchURL = "https://shop.test/v2"
	cmd, out = command()
	err = runMatch(cmd, args)
	require.ErrorIs(t, err, matcher.ErrMismatch)
	assert.Contains(t, out.String(), "mismatch")
	assert.FileExists(t, shot(root, "diff", "home"))
	assert.FileExists(t, shot(root, "new", "home"))

	cfg.UpdateBaselines = true
	cmd, _ = command()
	require.NoError(t, runMatch(cmd, args))
	data, err = os.ReadFile(baseline)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/v2", string(data))
	assert.NoFileExists(t, shot(root, "diff", "home"))

	store, err := history.Open(cfg.HistoryPath(), nil)
	require.NoError(t, err)
	defer store.Close()
	entries, err := store.List(context.Background(), history.Query{})
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestMatchCmd_InvalidTarget(t *testing.T) {
	setup(t)
	matchURL = "https://shop.test"
	cmd, _ := command()
	err := runMatch(cmd, []string{"x", "shop", "../home", "desktop"})
	assert.ErrorIs(t, err, matcher.ErrInvalidTarget)
}

func TestMatchCmd_CaptureFailure(t *testing.T) {
	setup(t)
	matchURL = "https://shop.test/broken"
	cmd, _ := command()
	err := runMatch(cmd, []string{"x", "shop", "home", "desktop"})
	assert.ErrorIs(t, err, capture.ErrCapture)
}

const testSuite = `
base_url: https://shop.test/
domain: shop
viewports: [desktop]
pages:
  - page: home
    url: /
  - page: cart
    url: /cart
  - page: search
    url: /broken
`

func TestRunCmd(t *testing.T) {
	root := setup(t)
	suitePath = filepath.Join(root, "suite.yaml")
	require.NoError(t, os.WriteFile(suitePath, []byte(testSuite), 0o644))

	cmd, out := command()
	err := runSuite(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 aborted")
	assert.Contains(t, out.String(), "2 passed")
	assert.FileExists(t, filepath.Join(root, paths.DefaultFolder, "shop", "desktop", "cart.png"))

	suitePages = []string{"home", "cart"}
	cmd, out = command()
	require.NoError(t, runSuite(cmd, nil))
	assert.Contains(t, out.String(), "(2 total)")
}

func TestHistoryCmd(t *testing.T) {
	setup(t)
	matchURL = "https://shop.test"
	cmd, _ := command()
	require.NoError(t, runMatch(cmd, []string{"Landing", "shop", "home", "desktop"}))

	cmd, out := command()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), "shop/desktop/home")
	assert.Contains(t, out.String(), "passed")

	historyFail = true
	cmd, out = command()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), "No recorded runs.")

	historyFail = false
	historyPrune = 1
	cmd, out = command()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), "Removed")

	cfg.History.Enabled = false
	cmd, _ = command()
	assert.Error(t, runHistory(cmd, nil))
}

func TestPathsCmd(t *testing.T) {
	root := setup(t)
	cmd, out := command()
	require.NoError(t, pathsCmd.RunE(cmd, []string{"shop", "home", "desktop"}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], shot(root, "", "home"))
	assert.Contains(t, lines[1], shot(root, "new", "home"))
	assert.Contains(t, lines[2], shot(root, "diff", "home"))

	assert.Error(t, pathsCmd.RunE(cmd, []string{"shop", "a/b", "desktop"}))
}

func TestConfigCmds(t *testing.T) {
	setup(t)
	cmd, _ := command()
	require.NoError(t, configInitCmd.RunE(cmd, nil))
	assert.Error(t, configInitCmd.RunE(cmd, nil), "refuses to overwrite")

	configForce = true
	defer func() { configForce = false }()
	require.NoError(t, configInitCmd.RunE(cmd, nil))

	loaded, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultCommandName, loaded.Registration.CommandName)

	cmd, out := command()
	require.NoError(t, configShowCmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), "screenshot_folder: cypress/match-screenshots")
}

func TestRootCmd_MatchAlias(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{config.DefaultCommandName})
	require.NoError(t, err)
	assert.Same(t, matchCmd, cmd)
}

// keepAliases restores the match command aliases after the test.
func keepAliases(t *testing.T) {
	t.Helper()
	prev := matchCmd.Aliases
	t.Cleanup(func() { matchCmd.Aliases = prev })
}

func TestRegisterCommandName(t *testing.T) {
	root := setup(t)
	keepAliases(t)

	c := config.DefaultConfig()
	c.Registration = config.Register("checkShot", root)
	require.NoError(t, c.Save(configPath))

	for _, args := range [][]string{
		{"--config", configPath, "checkShot", "n", "shop", "home", "desktop", "--url", "x"},
		{"-v", "--url", "x", "-c=" + configPath, "checkShot"},
	} {
		matchCmd.Aliases = []string{config.DefaultCommandName}
		registerCommandName(args)

		cmd, _, err := rootCmd.Find([]string{"checkShot"})
		require.NoError(t, err, args)
		assert.Same(t, matchCmd, cmd)
	}
}

func TestRegisterCommandName_MissingConfigKeepsDefault(t *testing.T) {
	root := setup(t)
	keepAliases(t)

	registerCommandName([]string{"--config", filepath.Join(root, "absent.yaml"), "match"})
	assert.Equal(t, []string{config.DefaultCommandName}, matchCmd.Aliases)
}

func TestRootCmd_ConfiguredCommandNameRuns(t *testing.T) {
	root := setup(t)
	keepAliases(t)

	c := config.DefaultConfig()
	c.Registration = config.Register("checkShot", root)
	c.Logging.Level = "error"
	require.NoError(t, c.Save(configPath))

	args := []string{"--config", configPath, "checkShot", "n", "shop", "home", "desktop", "--url", "x"}
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	registerCommandName(args)
	require.NoError(t, rootCmd.Execute(), out.String())

	data, err := os.ReadFile(filepath.Join(root, paths.DefaultFolder, "shop", "desktop", "home.png"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestWatchSession_ReloadsConfig(t *testing.T) {
	root := setup(t)
	suitePath = filepath.Join(root, "suite.yaml")
	writeSuite := func(version string) {
		body := "domain: shop\nviewports: [desktop]\npages:\n  - page: home\n    url: https://shop.test/" + version + "\n"
		require.NoError(t, os.WriteFile(suitePath, []byte(body), 0o644))
	}
	saveConfig := func(mutate func(*config.Config)) {
		c := config.DefaultConfig()
		mutate(c)
		require.NoError(t, c.Save(configPath))
	}
	baseline := filepath.Join(root, paths.DefaultFolder, "shop", "desktop", "home.png")
	readBaseline := func() string {
		data, err := os.ReadFile(baseline)
		require.NoError(t, err)
		return string(data)
	}

	ctx := context.Background()
	var out bytes.Buffer
	s, err := newWatchSession(ctx, &out, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	suiteFile, err := filepath.Abs(suitePath)
	require.NoError(t, err)

	writeSuite("v1")
	s.Trigger(ctx, nil)
	assert.Equal(t, "https://shop.test/v1", readBaseline())

	writeSuite("v2")
	s.Trigger(ctx, []string{suiteFile})
	assert.Equal(t, "https://shop.test/v1", readBaseline(), "a mismatch keeps the baseline")
	assert.FileExists(t, shot(root, "diff", "home"))

	first := s.app
	saveConfig(func(c *config.Config) { c.Parallelism = 0 })
	s.Trigger(ctx, []string{s.configFile})
	assert.Same(t, first, s.app, "an invalid config keeps the running pipeline")

	saveConfig(func(c *config.Config) {
		c.UpdateBaselines = true
		c.Parallelism = 2
	})
	s.Trigger(ctx, []string{s.configFile})
	require.NotSame(t, first, s.app)
	assert.True(t, s.app.cfg.UpdateBaselines)
	assert.Equal(t, 2, s.app.cfg.Parallelism)
	assert.Equal(t, root, s.app.cfg.Registration.RootFolder, "registration is kept")
	assert.Same(t, first.metrics, s.app.metrics)
	assert.Equal(t, "https://shop.test/v2", readBaseline(), "the reloaded pipeline promotes on mismatch")
	assert.NoFileExists(t, shot(root, "diff", "home"))
}

func TestServeMetrics(t *testing.T) {
	handler := metrics.New().Handler()
	stop, err := serveMetrics(context.Background(), "127.0.0.1:0", handler, zap.NewNop())
	require.NoError(t, err)
	stop()

	_, err = serveMetrics(context.Background(), "not-an-address", handler, zap.NewNop())
	assert.Error(t, err)
}
