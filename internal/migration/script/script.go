// Package script runs an external upgrade command as a migration.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"analysisd/pkg/logx"
)

const defaultTail = 4096

type Config struct {
	// Command is the program and its arguments.
	Command []string
	Dir     string
	// Env is appended to the current environment.
	Env []string
	// TailBytes of combined output are kept for the error message.
	TailBytes int
}

type Migrator struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Migrator, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("migration command required")
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = defaultTail
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Migrator{cfg: cfg, log: log.With(logx.String("comp", "migration.script"))}, nil
}

// Migrate runs the command to completion. Cancelling ctx kills the process.
func (m *Migrator) Migrate(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Dir = m.cfg.Dir
	if len(m.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}
	// Do not hang on pipes held open by orphaned children.
	cmd.WaitDelay = 2 * time.Second

	out := &tailBuffer{max: m.cfg.TailBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	m.log.Info("running migration command", logx.String("cmd", strings.Join(m.cfg.Command, " ")))
	err := cmd.Run()
	dur := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("migration command cancelled: %w", ctx.Err())
		}
		tail := strings.TrimSpace(out.String())
		if tail == "" {
			return fmt.Errorf("migration command: %w", err)
		}
		return fmt.Errorf("migration command: %w: %s", err, tail)
	}
	m.log.Info("migration command finished", logx.Duration("dur", dur))
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "..." + string(t.buf)
	}
	return string(t.buf)
}
