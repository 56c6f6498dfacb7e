package nilfs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	tberrors "timebrowse/internal/errors"
)

// DefaultCommandTimeout is the default timeout for lscp/mkcp/chcp (5000ms)
const DefaultCommandTimeout = 5000 * time.Millisecond

// Tools names the nilfs-utils binaries.
type Tools struct {
	Lscp string
	Mkcp string
	Chcp string
}

// DefaultTools resolves the binaries through $PATH.
func DefaultTools() Tools {
	return Tools{Lscp: "lscp", Mkcp: "mkcp", Chcp: "chcp"}
}

// CLI implements Volume by running the nilfs-utils commands.
type CLI struct {
	device  string
	tools   Tools
	timeout time.Duration
	logger  *slog.Logger

	// run is swapped out in tests
	run func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

// NewCLI creates a command-line backed Volume for device
func NewCLI(device string, tools Tools, timeout time.Duration, logger *slog.Logger) *CLI {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	def := DefaultTools()
	if tools.Lscp == "" {
		tools.Lscp = def.Lscp
	}
	if tools.Mkcp == "" {
		tools.Mkcp = def.Mkcp
	}
	if tools.Chcp == "" {
		tools.Chcp = def.Chcp
	}
	return &CLI{
		device:  device,
		tools:   tools,
		timeout: timeout,
		logger:  logger,
		run:     runCommand,
	}
}

// Device returns the block device
func (c *CLI) Device() string { return c.device }

// ListCheckpoints runs lscp [-i start] device
func (c *CLI) ListCheckpoints(ctx context.Context, start uint64) (string, error) {
	args := make([]string, 0, 3)
	if start > 0 {
		args = append(args, "-i", strconv.FormatUint(start, 10))
	}
	args = append(args, c.device)
	return c.execute(ctx, c.tools.Lscp, args...)
}

// MakeCheckpoint runs mkcp [-s] device
func (c *CLI) MakeCheckpoint(ctx context.Context, snapshot bool) error {
	args := make([]string, 0, 2)
	if snapshot {
		args = append(args, "-s")
	}
	args = append(args, c.device)
	_, err := c.execute(ctx, c.tools.Mkcp, args...)
	return err
}

// ChangeCheckpoint runs chcp ss|cp device number
func (c *CLI) ChangeCheckpoint(ctx context.Context, number uint64, snapshot bool) error {
	mode := "cp"
	if snapshot {
		mode = "ss"
	}
	_, err := c.execute(ctx, c.tools.Chcp, mode, c.device, strconv.FormatUint(number, 10))
	return err
}

// execute runs a command with timeout and returns its stdout
func (c *CLI) execute(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("Executing volume command",
		"command", name,
		"args", args,
		"timeout", c.timeout.String(),
	)

	stdout, stderr, err := c.run(ctx, name, args...)
	if err == nil {
		return string(stdout), nil
	}

	details := map[string]interface{}{
		"command": name,
		"args":    args,
		"stderr":  string(bytes.TrimSpace(stderr)),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", tberrors.New(tberrors.Timeout, name+" timed out", err).WithDetails(details)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		details["exitCode"] = exitErr.ExitCode()
		return "", tberrors.New(tberrors.VolumeQueryFailed, name+" failed", err).WithDetails(details)
	}

	return "", tberrors.New(tberrors.VolumeQueryFailed, "failed to execute "+name, err).WithDetails(details)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
