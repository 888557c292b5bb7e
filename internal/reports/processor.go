// Package reports is the unit of work the scheduler runs: take the next
// submitted analysis report off the queue and analyze it.
package reports

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"analysisd/internal/storage"
	"analysisd/pkg/logx"
)

// Analyzer inspects one claimed report and returns how many issues it holds.
type Analyzer interface {
	Analyze(ctx context.Context, r storage.Report) (Summary, error)
}

type AnalyzerFunc func(ctx context.Context, r storage.Report) (Summary, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, r storage.Report) (Summary, error) {
	return f(ctx, r)
}

type Summary struct {
	Issues     int
	BySeverity map[string]int
}

// FileAnalyzer reads the report file with an Iterator.
type FileAnalyzer struct{}

func (FileAnalyzer) Analyze(ctx context.Context, r storage.Report) (Summary, error) {
	it, err := Open(r.Path)
	if err != nil {
		return Summary{}, err
	}
	defer it.Close()

	sum := Summary{BySeverity: map[string]int{}}
	for it.Next() {
		// Large reports yield to shutdown between lines.
		if sum.Issues%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
		}
		is := it.Issue()
		sum.Issues++
		sev := strings.ToUpper(is.Severity)
		if sev == "" {
			sev = "UNKNOWN"
		}
		sum.BySeverity[sev]++
	}
	return sum, it.Err()
}

type Processor struct {
	store storage.Store
	an    Analyzer
	log   logx.Logger
	batch int
}

type Option func(*Processor)

// WithBatch processes up to n reports per run. Default 1.
func WithBatch(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.batch = n
		}
	}
}

func WithAnalyzer(a Analyzer) Option {
	return func(p *Processor) {
		if a != nil {
			p.an = a
		}
	}
}

func NewProcessor(store storage.Store, log logx.Logger, opts ...Option) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Processor{store: store, an: FileAnalyzer{}, log: log.With(logx.String("comp", "reports")), batch: 1}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run implements work.Unit. An empty queue is a successful run. The first
// report that fails analysis is marked failed and its error returned.
func (p *Processor) Run(ctx context.Context) error {
	if p.store == nil {
		return storage.ErrDisabled
	}
	for i := 0; i < p.batch; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := p.store.ClaimReport(ctx)
		if errors.Is(err, storage.ErrNoReport) {
			if i == 0 {
				p.log.Trace("no pending report")
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim report: %w", err)
		}

		sum, aerr := p.an.Analyze(ctx, r)
		if err := p.store.CompleteReport(context.WithoutCancel(ctx), r.ID, sum.Issues, aerr); err != nil {
			p.log.Error("report state not saved", logx.String("report", r.ID), logx.Err(err))
		}
		if aerr != nil {
			return fmt.Errorf("report %s: %w", r.ID, aerr)
		}
		p.log.Info("report analyzed",
			logx.String("report", r.ID),
			logx.Int("issues", sum.Issues),
			logx.Any("by_severity", sum.BySeverity),
			logx.Int("attempt", r.Attempts),
		)
	}
	return nil
}

// Submit queues the report file at path for analysis.
func Submit(ctx context.Context, store storage.Store, path string) (storage.Report, error) {
	if store == nil {
		return storage.Report{}, storage.ErrDisabled
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return storage.Report{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return storage.Report{}, err
	}
	if fi.IsDir() {
		return storage.Report{}, fmt.Errorf("%s is a directory", abs)
	}
	return store.EnqueueReport(ctx, storage.Report{Path: abs})
}
