package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Command describes one child process.
type Command struct {
	// Label identifies the work in logs, e.g. the comic being rebuilt.
	Label string
	Name  string
	Args  []string
	Dir   string
}

// Result contains the outcome of a finished child process.
type Result struct {
	Label     string
	ExitCode  int
	Stdout    string
	Stderr    string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Config allows customization of execution behavior
type Config struct {
	MaxOutputSize int // bytes, 0 for unlimited
	LogOutput     bool
}

type RunnerOption func(*execRunner)

func WithConfig(config Config) RunnerOption {
	return func(r *execRunner) {
		r.config = config
	}
}

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *execRunner) {
		r.logger = logger
	}
}

func NewExecRunner(opts ...RunnerOption) Runner {
	runner := &execRunner{
		config: Config{MaxOutputSize: 1024 * 1024},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner
}

type execRunner struct {
	config Config
	logger *slog.Logger
}

func (er *execRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, errors.New("command must not be empty")
	}
	if c.Dir != "" {
		if err := validateDir(c.Dir); err != nil {
			return nil, fmt.Errorf("invalid working directory: %w", err)
		}
	}

	result := &Result{Label: c.Label, StartTime: time.Now()}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir

	stdout := &limitedBuffer{max: er.config.MaxOutputSize}
	stderr := &limitedBuffer{max: er.config.MaxOutputSize}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		err = fmt.Errorf("%s failed: %w", c.Name, err)
	}
	er.logResult(result, err)
	return result, err
}

func validateDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("working directory does not exist: %w", err)
	}
	if !info.IsDir() {
		return errors.New("working directory path is not a directory")
	}
	return nil
}

func (er *execRunner) logResult(result *Result, err error) {
	level := slog.LevelInfo
	attrs := []any{
		"label", result.Label,
		"exit_code", result.ExitCode,
		"duration", result.Duration.String(),
	}
	if err != nil {
		level = slog.LevelError
		attrs = append(attrs, "error", err.Error(), "stderr", truncate(result.Stderr, 1000))
	}
	er.logger.Log(context.Background(), level, "command finished", attrs...)

	if er.config.LogOutput && result.Stdout != "" {
		er.logger.Debug("command stdout", "label", result.Label, "stdout", truncate(result.Stdout, 1000))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}

// limitedBuffer keeps at most max bytes of output and discards the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		b.buf.Write(p)
		return len(p), nil
	}
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
