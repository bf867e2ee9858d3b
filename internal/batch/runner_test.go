package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"vulnverify/internal/audit"
	"vulnverify/internal/executor"
	"vulnverify/internal/report"
	"vulnverify/internal/retrieval"
	"vulnverify/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, which starts a stats worker at init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// malformedBuilder drafts a one-step tree for every report except "r2".
type malformedBuilder struct{}

func (malformedBuilder) BuildRoot(ctx context.Context, rep report.Report) (*tree.Tree, error) {
	if rep.ID == "r2" {
		return nil, &tree.MalformedTreeError{Reason: "missing required fields"}
	}
	return &tree.Tree{Root: &tree.Node{
		Label:     "check",
		Objective: "find " + rep.CodeEntryPoint,
		Branches:  []tree.Branch{{Outcome: tree.FalsePositive, Label: "false_positive"}},
	}}, nil
}

func (malformedBuilder) Expand(context.Context, *tree.Node, string, []string) (*tree.Expansion, error) {
	return nil, errors.New("not supported")
}

type emptyRetriever struct{}

func (emptyRetriever) Query(context.Context, string, int, float64) ([]retrieval.Result, error) {
	return nil, nil
}

type falsePositiveJudge struct{}

func (falsePositiveJudge) Judge(context.Context, *tree.Node, []string, bool) (executor.Judgment, error) {
	return executor.Judgment{Decision: executor.DecideFalsePositive, Rationale: "guarded"}, nil
}

func reports(ids ...string) []report.Report {
	out := make([]report.Report, len(ids))
	for i, id := range ids {
		out[i] = report.Report{
			ID:                       id,
			VulnerabilityDescription: "overflow " + id,
			CodeEntryPoint:           "Calc.Add",
			AssociatedCode:           "func Add() {}",
		}
	}
	return out
}

func TestRunner_IsolatesFailures(t *testing.T) {
	sink := &audit.MemorySink{}
	log := audit.New(sink)
	ex := executor.New(malformedBuilder{}, emptyRetriever{}, falsePositiveJudge{}, log, executor.DefaultOptions())

	var seen atomic.Int32
	runner := NewRunner(ex, log, Options{Workers: 2, OnResult: func(*executor.RunResult) { seen.Add(1) }})
	sum, err := runner.Run(context.Background(), reports("r1", "r2", "r3"))
	require.NoError(t, err)

	require.Len(t, sum.Results, 2)
	assert.Equal(t, "r1", sum.Results[0].ReportID)
	assert.Equal(t, "r3", sum.Results[1].ReportID)
	for _, res := range sum.Results {
		assert.Equal(t, "FALSE_POSITIVE", res.Label())
	}
	assert.Equal(t, int32(2), seen.Load())
	assert.NotEmpty(t, sum.RunID)

	require.Len(t, sum.Failures, 1)
	assert.Equal(t, Failure{Index: 1, ReportID: "r2", Error: sum.Failures[0].Error}, sum.Failures[0])
	assert.Contains(t, sum.Failures[0].Error, "missing required fields")

	var failed []audit.Entry
	for _, e := range sink.Entries() {
		if e.Event == audit.EventReportFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, audit.ReportHash(reports("r2")[0]), failed[0].Hash)
	var input map[string]any
	require.NoError(t, json.Unmarshal(failed[0].Input, &input))
	assert.Equal(t, "r2", input["report_id"])
}

type triagerFunc func(ctx context.Context, rep report.Report) (*executor.RunResult, error)

func (f triagerFunc) Run(ctx context.Context, rep report.Report) (*executor.RunResult, error) {
	return f(ctx, rep)
}

func TestRunner_RecoversPanics(t *testing.T) {
	sink := &audit.MemorySink{}
	triager := triagerFunc(func(ctx context.Context, rep report.Report) (*executor.RunResult, error) {
		if rep.ID == "boom" {
			panic("nil tree")
		}
		return &executor.RunResult{ReportID: rep.ID}, nil
	})
	runner := NewRunner(triager, audit.New(sink), Options{})

	sum, err := runner.Run(context.Background(), reports("a", "boom", "b"))
	require.NoError(t, err)
	assert.Len(t, sum.Results, 2)
	require.Len(t, sum.Failures, 1)
	assert.True(t, sum.Failures[0].Panic)
	assert.Equal(t, "panic: nil tree", sum.Failures[0].Error)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	var out map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Output, &out))
	assert.Contains(t, out["stack"], "runtime/debug.Stack")
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := NewRunner(triagerFunc(func(ctx context.Context, rep report.Report) (*executor.RunResult, error) {
		return &executor.RunResult{ReportID: rep.ID}, nil
	}), nil, Options{Workers: 1})

	_, err := runner.Run(ctx, reports("a", "b"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_InvalidReportFailsAlone(t *testing.T) {
	sink := &audit.MemorySink{}
	var ran []string
	var mu sync.Mutex
	triager := triagerFunc(func(ctx context.Context, rep report.Report) (*executor.RunResult, error) {
		mu.Lock()
		ran = append(ran, rep.ID)
		mu.Unlock()
		return &executor.RunResult{ReportID: rep.ID}, nil
	})
	reps := reports("r1", "r2", "r3")
	reps[1].AssociatedCode = ""

	sum, err := NewRunner(triager, audit.New(sink), Options{}).Run(context.Background(), reps)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"r1", "r3"}, ran)
	require.Len(t, sum.Results, 2)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, 1, sum.Failures[0].Index)
	assert.Equal(t, "r2", sum.Failures[0].ReportID)
	assert.Contains(t, sum.Failures[0].Error, "associated_code")

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventReportFailed, entries[0].Event)
	assert.Equal(t, audit.ReportHash(reps[1]), entries[0].Hash)
}

func TestRunner_LogsFailureContext(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	cause := errors.New("quota exhausted")
	triager := triagerFunc(func(ctx context.Context, rep report.Report) (*executor.RunResult, error) {
		return nil, fmt.Errorf("judge s1/continue/s2: %w", cause)
	})

	_, err := NewRunner(triager, nil, Options{Logger: zap.New(core)}).Run(context.Background(), reports("r1"))
	require.NoError(t, err)

	entries := logs.FilterMessage("report failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "r1", fields["report_id"])
	assert.Equal(t, int64(0), fields["index"])
	assert.Equal(t, "judge s1/continue/s2: quota exhausted", fields["error"])
}
