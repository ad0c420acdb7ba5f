package compare

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBinary is the diff tool invoked when none is configured.
const DefaultBinary = "cypress-diff-screenshot"

// DefaultResultTag prefixes the single verdict line a diff tool must print.
const DefaultResultTag = "shotmatch"

// ProcessConfig configures an external diff tool.
type ProcessConfig struct {
	// Binary is the executable to run.
	Binary string
	// Args are prepended before the generated flags.
	Args []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Timeout bounds a single invocation. Zero means one minute.
	Timeout time.Duration
	// ResultTag is the prefix of the verdict line, e.g. "shotmatch" for
	// "shotmatch:match".
	ResultTag string
	// LegacyYay accepts tools that print "Yay" on a match and anything else
	// on a mismatch.
	LegacyYay bool
	// MaxOutputBytes caps captured stdout and stderr each. Zero means 1MB.
	MaxOutputBytes int64
}

// Process runs an external diff tool per comparison.
//
// The tool receives --pathOld, --pathNew, --target, --threshold and, when
// set, --thresholdType. Unless LegacyYay is set it must print exactly one
// line "<tag>:match" or "<tag>:mismatch" on stdout; any other outcome is a
// failure regardless of exit code.
type Process struct {
	cfg    ProcessConfig
	logger *zap.Logger
}

// NewProcess creates a process differ.
func NewProcess(cfg ProcessConfig, logger *zap.Logger) *Process {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.ResultTag == "" {
		cfg.ResultTag = DefaultResultTag
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{cfg: cfg, logger: logger}
}

// Arguments returns the command line passed to the tool for in.
func (p *Process) Arguments(in Request) []string {
	args := append([]string{}, p.cfg.Args...)
	args = append(args,
		"--pathOld="+in.Baseline,
		"--pathNew="+in.Candidate,
		"--target="+in.DiffOutput,
		"--threshold="+strconv.FormatFloat(in.Threshold, 'f', -1, 64),
	)
	if in.ThresholdType != "" {
		args = append(args, "--thresholdType="+in.ThresholdType)
	}
	return args
}

// Diff runs the tool and parses its verdict.
func (p *Process) Diff(ctx context.Context, in Request) (Outcome, error) {
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := p.Arguments(in)
	cmd := exec.CommandContext(execCtx, p.cfg.Binary, args...)
	cmd.Dir = p.cfg.Dir
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, max: p.cfg.MaxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, max: p.cfg.MaxOutputBytes}

	started := time.Now()
	runErr := cmd.Run()
	p.logger.Debug("Diff tool finished",
		zap.String("binary", p.cfg.Binary),
		zap.Strings("args", args),
		zap.Duration("duration", time.Since(started)),
		zap.Error(runErr))

	if ctxErr := execCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return Outcome{}, fmt.Errorf("%s timed out after %s", p.cfg.Binary, p.cfg.Timeout)
		}
		return Outcome{}, fmt.Errorf("%s: %w", p.cfg.Binary, ctxErr)
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Outcome{}, fmt.Errorf("run %s: %w", p.cfg.Binary, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	if p.cfg.LegacyYay {
		return parseLegacy(stdoutBuf.String(), stderrBuf.String(), exitCode)
	}
	return parseTagged(p.cfg.ResultTag, stdoutBuf.String(), stderrBuf.String(), exitCode)
}

func parseTagged(tag, stdout, stderr string, exitCode int) (Outcome, error) {
	prefix := tag + ":"
	var found []string
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, prefix) {
			found = append(found, strings.TrimPrefix(line, prefix))
		}
	}

	switch len(found) {
	case 0:
		return Outcome{}, fmt.Errorf("no %q result line (exit %d): %s", prefix, exitCode, summarize(stdout, stderr))
	case 1:
	default:
		return Outcome{}, fmt.Errorf("%d %q result lines, expected one", len(found), prefix)
	}

	switch found[0] {
	case "match":
		return Outcome{Match: true}, nil
	case "mismatch":
		return Outcome{Match: false}, nil
	case "error":
		return Outcome{}, fmt.Errorf("diff tool reported error (exit %d): %s", exitCode, summarize("", stderr))
	default:
		return Outcome{}, fmt.Errorf("unknown result %q", prefix+found[0])
	}
}

func parseLegacy(stdout, stderr string, exitCode int) (Outcome, error) {
	if exitCode != 0 {
		return Outcome{}, fmt.Errorf("diff tool exited %d: %s", exitCode, summarize(stdout, stderr))
	}
	return Outcome{Match: strings.TrimSpace(stdout) == "Yay"}, nil
}

func summarize(stdout, stderr string) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		s = strings.TrimSpace(stdout)
	}
	if s == "" {
		return "no output"
	}
	const max = 512
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// limitedWriter drops output beyond max bytes while reporting full writes so
// the child process never sees a short write.
type limitedWriter struct {
	w       io.Writer
	max     int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		return n, nil
	}
	if remaining := lw.max - lw.written; int64(n) > remaining {
		p = p[:remaining]
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	if err != nil {
		return written, err
	}
	return n, nil
}
