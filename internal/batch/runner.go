package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"vulnverify/internal/audit"
	"vulnverify/internal/executor"
	"vulnverify/internal/logging"
	"vulnverify/internal/report"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// Triager runs one report to a verdict.
type Triager interface {
	Run(ctx context.Context, rep report.Report) (*executor.RunResult, error)
}

type Options struct {
	Workers int
	Logger  *zap.Logger
	// OnResult, when set, is called as each report finishes. Calls are
	// serialized.
	OnResult func(*executor.RunResult)
}

// Failure describes a report that produced no result.
type Failure struct {
	Index    int    `json:"index"`
	ReportID string `json:"report_id"`
	Error    string `json:"error"`
	Panic    bool   `json:"panic,omitempty"`
}

// Summary is the outcome of one batch.
type Summary struct {
	RunID    string                `json:"run_id"`
	Results  []*executor.RunResult `json:"results"`
	Failures []Failure             `json:"failures"`
	Elapsed  time.Duration         `json:"elapsed"`
}

// Runner triages reports concurrently. A failing or panicking report is
// recorded and never stops the others.
type Runner struct {
	triager Triager
	audit   audit.Recorder
	opts    Options
	log     *zap.Logger
}

func NewRunner(triager Triager, recorder audit.Recorder, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Runner{triager: triager, audit: recorder, opts: opts, log: logging.OrNop(opts.Logger)}
}

// Run triages reps and returns results in input order. Reports that fail
// validation are recorded as failures without being run. Only context
// cancellation is returned as an error.
func (r *Runner) Run(ctx context.Context, reps []report.Report) (*Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := r.log.With(zap.String("batch_id", runID))
	log.Info("batch started", zap.Int("reports", len(reps)), zap.Int("workers", r.opts.Workers))

	results := make([]*executor.RunResult, len(reps))
	failures := make([]*Failure, len(reps))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, rep := range reps {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}
			res, fail := r.runOne(gCtx, log, i, rep)
			if fail != nil {
				failures[i] = fail
				return nil
			}
			results[i] = res
			if r.opts.OnResult != nil {
				mu.Lock()
				r.opts.OnResult(res)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := &Summary{RunID: runID}
	for i := range reps {
		if results[i] != nil {
			sum.Results = append(sum.Results, results[i])
		}
		if failures[i] != nil {
			sum.Failures = append(sum.Failures, *failures[i])
		}
	}
	sum.Elapsed = time.Since(start)
	log.Info("batch finished",
		zap.Int("results", len(sum.Results)),
		zap.Int("failures", len(sum.Failures)),
		zap.Duration("elapsed", sum.Elapsed))
	return sum, nil
}

func (r *Runner) runOne(ctx context.Context, log *zap.Logger, i int, rep report.Report) (res *executor.RunResult, fail *Failure) {
	defer func() {
		if p := recover(); p != nil {
			stack := string(debug.Stack())
			log.Error("report panicked", zap.String("report_id", rep.ID), zap.Int("index", i), zap.Any("panic", p), zap.String("stack", stack))
			res = nil
			fail = r.failed(log, i, rep, fmt.Sprintf("panic: %v", p), true, stack)
		}
	}()

	if err := rep.Validate(); err != nil {
		log.Error("report rejected", zap.String("report_id", rep.ID), zap.Int("index", i), zap.Error(err))
		return nil, r.failed(log, i, rep, err.Error(), false, "")
	}

	res, err := r.triager.Run(ctx, rep)
	if err != nil {
		log.Error("report failed", zap.String("report_id", rep.ID), zap.Int("index", i), zap.Error(err))
		return nil, r.failed(log, i, rep, err.Error(), false, "")
	}
	return res, nil
}

func (r *Runner) failed(log *zap.Logger, i int, rep report.Report, msg string, panicked bool, stack string) *Failure {
	f := &Failure{Index: i, ReportID: rep.ID, Error: msg, Panic: panicked}
	if r.audit == nil {
		return f
	}
	out := map[string]any{"error": msg}
	if stack != "" {
		out["stack"] = stack
	}
	if err := r.audit.Record(audit.ReportHash(rep), audit.EventReportFailed, map[string]any{"report_id": rep.ID, "index": i}, out); err != nil {
		log.Warn("failed to audit report failure", zap.String("report_id", rep.ID), zap.Error(err))
	}
	return f
}
