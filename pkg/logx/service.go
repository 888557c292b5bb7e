package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig enables a JSON lines log file. The file is opened in append
// mode; use Service.Reopen after an external rotation.
type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./analysisd.log"

// Service owns the log sinks and lets them change at runtime.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New builds the sinks for cfg and returns the Service with a root Logger
// bound to it.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply replaces level and sinks. Loggers already handed out pick up the
// change on their next message.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.rebuildLocked()
}

// Reopen closes and reopens the log file, typically on SIGHUP after
// logrotate moved it away. It is a no-op when file logging is off.
func (s *Service) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.File.Enabled {
		return
	}
	s.rebuildLocked()
}

func (s *Service) rebuildLocked() {
	old := s.file
	s.file = nil

	var sinks []io.Writer
	if s.cfg.Console {
		sinks = append(sinks, consoleWriter(stdout()))
	}
	if s.cfg.File.Enabled {
		path := strings.TrimSpace(s.cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	// Never lose messages entirely.
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(s.cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// Swap first so no writer is left pointing at a closed file.
	if old != nil {
		_ = old.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func stdout() io.Writer { return os.Stdout }

// consoleWriter renders key=value lines. Under systemd the journal already
// stamps and colors entries, so both are left out there.
func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	if ok, _ := journal.StdoutIsJournalStream(); ok {
		cw.NoColor = true
		cw.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	return cw
}
