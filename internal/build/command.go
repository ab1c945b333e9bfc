package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/extdev/extdev/internal/app"
	"github.com/spf13/afero"
)

// CommandAdapter builds an extension by running a shell command in its directory.
// The command receives the output location through EXTDEV_* environment variables and
// must write the main bundle to $EXTDEV_OUTPUT_DIR/index.js.
type CommandAdapter struct {
	Command string
	Shell   string
	Logger  *slog.Logger
	Fs      afero.Fs
}

// NewCommandAdapter creates an adapter that runs command with /bin/sh.
func NewCommandAdapter(command string, logger *slog.Logger) *CommandAdapter {
	return &CommandAdapter{
		Command: command,
		Shell:   "/bin/sh",
		Logger:  logger,
		Fs:      afero.NewOsFs(),
	}
}

// Build runs the configured command for ext.
func (a *CommandAdapter) Build(ctx context.Context, ext app.Extension, opts Options) (Result, error) {
	if strings.TrimSpace(a.Command) == "" {
		return Result{}, errors.New("build command is empty")
	}

	outputDir := ext.OutputDir(opts.BuildRoot)
	if err := a.Fs.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	env := map[string]string{
		"EXTDEV_OUTPUT_DIR":  outputDir,
		"EXTDEV_ENTRY":       ext.EntryPath(),
		"EXTDEV_HANDLE":      ext.Handle,
		"EXTDEV_TYPE":        ext.Type,
		"EXTDEV_ENVIRONMENT": opts.Environment,
	}

	output, err := a.runCommand(ctx, ext.Directory, env, opts.Stdout, opts.Stderr)
	if err != nil {
		return Result{}, fmt.Errorf("%w\n%s", err, truncateOutput(strings.TrimSpace(output)))
	}

	if _, err := a.Fs.Stat(ext.BundlePath(opts.BuildRoot)); err != nil {
		return Result{}, fmt.Errorf("build finished without producing %s", app.MainBundleFile)
	}

	files, err := OutputFiles(a.Fs, ext, opts.BuildRoot)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list build output: %w", err)
	}

	return Result{
		UID:        ext.UID,
		Status:     StatusOK,
		Files:      files,
		FinishedAt: time.Now(),
	}, nil
}

func (a *CommandAdapter) runCommand(ctx context.Context, workDir string, env map[string]string, stdout, stderr io.Writer) (string, error) {
	start := time.Now()
	command := exec.CommandContext(ctx, a.shell(), "-c", a.Command)
	command.Dir = workDir

	mergedEnv := append([]string{}, os.Environ()...)
	for key, value := range env {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", key, value))
	}
	command.Env = mergedEnv

	a.logger().Debug(
		"Executing build command",
		"cmd", a.Command,
		"dir", workDir,
		"env_keys", sortedKeys(env),
	)

	var transcript lockedBuilder
	command.Stdout = io.MultiWriter(&transcript, orDiscard(stdout))
	command.Stderr = io.MultiWriter(&transcript, orDiscard(stderr))

	if err := command.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		a.logger().Warn(
			"Build command failed",
			"cmd", a.Command,
			"dir", workDir,
			"exit_code", exitCode,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return transcript.String(), fmt.Errorf("build command failed: %w", err)
	}

	a.logger().Debug(
		"Build command succeeded",
		"cmd", a.Command,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return transcript.String(), nil
}

func (a *CommandAdapter) shell() string {
	if a.Shell == "" {
		return "/bin/sh"
	}
	return a.Shell
}

func (a *CommandAdapter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return a.Logger
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func sortedKeys(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func truncateOutput(value string) string {
	const maxLen = 2000
	if len(value) <= maxLen {
		return value
	}
	return value[:maxLen] + "...(truncated)"
}
