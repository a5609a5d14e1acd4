package dispatch

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"timerd/internal/job"
)

const shellOutputLimit = 4096

// ShellConfig bounds a single shell dispatch attempt.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

func DefaultShellConfig() ShellConfig {
	return ShellConfig{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     5 * time.Minute,
	}
}

// Shell runs recipient commands through /bin/sh -c on the local host.
// Non-zero exit codes are failures and ride the same retry track as
// failed HTTP dispatches.
type Shell struct {
	cfg ShellConfig
	log *zap.SugaredLogger
}

func NewShell(cfg ShellConfig, log *zap.SugaredLogger) *Shell {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultShellConfig().DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultShellConfig().MaxTimeout
	}
	return &Shell{cfg: cfg, log: log}
}

var _ Dispatcher = (*Shell)(nil)

func (s *Shell) Accepts(r job.Recipient) bool {
	return r.Kind == job.RecipientKindShell && r.Shell != nil
}

func (s *Shell) Timeout(d *job.Details) time.Duration {
	return d.EffectiveTimeout(s.cfg.DefaultTimeout, s.cfg.MaxTimeout)
}

func (s *Shell) Execute(ctx context.Context, d *job.Details) (*job.ExecutionResponse, error) {
	recipient := d.Recipient.Shell
	if recipient == nil || recipient.Command == "" {
		return nil, errors.Newf("job %s: recipient has no command", d.ID)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", recipient.Command)
	out, err := cmd.CombinedOutput()
	output := truncate(string(out), shellOutputLimit)

	if ctx.Err() == context.DeadlineExceeded {
		return &job.ExecutionResponse{JobID: d.ID, Code: "", Message: output},
			errors.Wrapf(ctx.Err(), "job %s: shell dispatch timed out", d.ID)
	}
	if err != nil {
		s.log.Warnw("shell dispatch failed", "job_id", d.ID, "error", err)
		return &job.ExecutionResponse{JobID: d.ID, Code: exitCode(err), Message: output},
			errors.Wrapf(err, "job %s: shell dispatch", d.ID)
	}
	return &job.ExecutionResponse{JobID: d.ID, Code: "0", Message: output}, nil
}

func exitCode(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return strconv.Itoa(exitErr.ExitCode())
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
