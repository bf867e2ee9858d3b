package executor

import (
	"context"
	"errors"
	"fmt"

	"vulnverify/internal/audit"
	"vulnverify/internal/logging"
	"vulnverify/internal/report"
	"vulnverify/internal/retrieval"
	"vulnverify/internal/tree"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultMaxDepth      = 10
	DefaultTopK          = 5
	DefaultMinSimilarity = 0.1
	DefaultMaxExpansions = 2
)

// Retriever finds code evidence for a node.
type Retriever interface {
	Query(ctx context.Context, text string, topK int, minSimilarity float64) ([]retrieval.Result, error)
}

// TreeBuilder drafts the root tree and expansion sub-trees.
type TreeBuilder interface {
	BuildRoot(ctx context.Context, rep report.Report) (*tree.Tree, error)
	Expand(ctx context.Context, node *tree.Node, reason string, evidence []string) (*tree.Expansion, error)
}

type Options struct {
	// MaxDepth bounds node visits per run, expansion visits included.
	MaxDepth      int
	TopK          int
	MinSimilarity float64
	// MaxExpansions caps expansion requests honoured per run.
	MaxExpansions int
	// MissingContinuation is the verdict when a node continues but declares
	// nothing to continue into.
	MissingContinuation tree.Outcome
	// MaxDepthVerdict is the verdict when MaxDepth is reached.
	MaxDepthVerdict tree.Outcome
	Logger          *zap.Logger
	Tracer          trace.Tracer
}

// DefaultOptions fails closed everywhere.
func DefaultOptions() Options {
	return Options{
		MaxDepth:            DefaultMaxDepth,
		TopK:                DefaultTopK,
		MinSimilarity:       DefaultMinSimilarity,
		MaxExpansions:       DefaultMaxExpansions,
		MissingContinuation: tree.Confirmed,
		MaxDepthVerdict:     tree.Confirmed,
	}
}

// Executor walks decision trees. One Executor may run many reports
// concurrently; each Run owns its own RunResult.
type Executor struct {
	builder   TreeBuilder
	retriever Retriever
	judge     Judge
	audit     audit.Recorder
	opts      Options
	log       *zap.Logger
	tracer    trace.Tracer
}

func New(builder TreeBuilder, retriever Retriever, judge Judge, recorder audit.Recorder, opts Options) *Executor {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MaxExpansions < 0 {
		opts.MaxExpansions = 0
	}
	if !opts.MissingContinuation.Terminal() {
		opts.MissingContinuation = tree.Confirmed
	}
	if !opts.MaxDepthVerdict.Terminal() {
		opts.MaxDepthVerdict = tree.Confirmed
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("vulnverify/executor")
	}
	return &Executor{
		builder:   builder,
		retriever: retriever,
		judge:     judge,
		audit:     recorder,
		opts:      opts,
		log:       logging.OrNop(opts.Logger),
		tracer:    tracer,
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(string, string, any, any) error { return nil }

type seenChecker interface {
	Seen(reportHash string) bool
}

// run is the per-report walk state.
type run struct {
	res        *RunResult
	hash       string
	visits     int
	expansions int
}

// Run drafts a tree for rep and walks it to a verdict. Any returned error is
// fatal for this report only.
func (e *Executor) Run(ctx context.Context, rep report.Report) (*RunResult, error) {
	ctx, span := e.tracer.Start(ctx, "triage.run", trace.WithAttributes(attribute.String("report.id", rep.ID)))
	defer span.End()

	r, err := e.begin(rep)
	if err != nil {
		return nil, e.fail(span, err)
	}

	t, err := e.builder.BuildRoot(ctx, rep)
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("build decision tree: %w", err))
	}
	if err := e.audit.Record(r.hash, audit.EventTreeGenerated, rep.ID, map[string]any{
		"root":    t.Root.Label,
		"dialect": t.Dialect,
		"steps":   t.Steps,
		"raw":     t.Raw,
	}); err != nil {
		return nil, e.fail(span, err)
	}

	if err := e.execute(ctx, r, t); err != nil {
		return nil, e.fail(span, err)
	}
	span.SetAttributes(attribute.String("verdict", r.res.Label()), attribute.Int("visits", r.visits))
	return r.res, nil
}

// Execute walks an already parsed tree for rep.
func (e *Executor) Execute(ctx context.Context, rep report.Report, t *tree.Tree) (*RunResult, error) {
	ctx, span := e.tracer.Start(ctx, "triage.execute", trace.WithAttributes(attribute.String("report.id", rep.ID)))
	defer span.End()

	r, err := e.begin(rep)
	if err != nil {
		return nil, e.fail(span, err)
	}
	if err := e.execute(ctx, r, t); err != nil {
		return nil, e.fail(span, err)
	}
	span.SetAttributes(attribute.String("verdict", r.res.Label()), attribute.Int("visits", r.visits))
	return r.res, nil
}

func (e *Executor) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (e *Executor) begin(rep report.Report) (*run, error) {
	hash := audit.ReportHash(rep)
	r := &run{
		hash: hash,
		res: &RunResult{
			ReportID:          rep.ID,
			ReportHash:        hash,
			ReportDescription: rep.VulnerabilityDescription,
		},
	}
	if sc, ok := e.audit.(seenChecker); ok && sc.Seen(hash) {
		r.res.Duplicate = true
		e.log.Info("report was triaged before", zap.String("report_id", rep.ID), zap.String("hash", hash))
	}
	if err := e.audit.Record(hash, audit.EventRunStarted, rep, map[string]any{"duplicate": r.res.Duplicate}); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *Executor) execute(ctx context.Context, r *run, t *tree.Tree) error {
	if t == nil || t.Root == nil {
		return &tree.MalformedTreeError{Reason: "tree has no root"}
	}
	done, err := e.walk(ctx, r, t.Root, t.Root.Label, false)
	if err != nil {
		return err
	}
	if !done {
		if err := e.conclude(r, tree.Confirmed, "decision tree exhausted without a verdict"); err != nil {
			return err
		}
	}
	return nil
}

// walk follows continuations from start until a verdict is set (true) or
// the path runs out (false). restricted walks belong to an expansion: they
// cannot expand again and running out hands control back to the caller.
func (e *Executor) walk(ctx context.Context, r *run, start *tree.Node, path string, restricted bool) (bool, error) {
	node := start
	for node != nil {
		if r.visits >= e.opts.MaxDepth {
			reason := fmt.Sprintf("depth bound %d reached before visiting %s", e.opts.MaxDepth, path)
			return true, e.conclude(r, e.opts.MaxDepthVerdict, reason)
		}
		depth := r.visits
		r.visits++

		step, next, err := e.visit(ctx, r, node, path, depth, restricted)
		if err != nil {
			return false, err
		}
		if r.res.decided() {
			return true, nil
		}
		if step.RequestedExpansion && next.expansion != nil {
			done, err := e.walk(ctx, r, next.expansion.Root, path+"/expand/"+next.expansion.Root.Label, true)
			if err != nil || done {
				return done, err
			}
		}

		child, label := resolveNext(node, next.nextStep)
		if child == nil {
			if restricted {
				return false, nil
			}
			policy := e.opts.MissingContinuation
			return true, e.conclude(r, policy, fmt.Sprintf("%s continues but declares no next step; applying %s", path, policy))
		}
		node = child
		path = path + "/" + label + "/" + child.Label
	}
	return false, nil
}

type visitNext struct {
	nextStep  string
	expansion *tree.Expansion
}

// visit runs retrieval and judgment for one node and appends its step.
func (e *Executor) visit(ctx context.Context, r *run, node *tree.Node, path string, depth int, restricted bool) (StepResult, visitNext, error) {
	ctx, span := e.tracer.Start(ctx, "triage.node", trace.WithAttributes(
		attribute.String("node.path", path),
		attribute.Int("node.depth", depth),
		attribute.Bool("node.expansion", restricted),
	))
	defer span.End()

	step := StepResult{Node: node, Path: path, Depth: depth, Expansion: restricted}
	var next visitNext

	if node.IsDiagnostic() {
		step.Outcome = tree.Continue
		step.Diagnostic = true
		step.Rationale = "diagnostic: " + node.Invalid.Error()
		e.log.Warn("invalid step data", zap.String("report_id", r.res.ReportID), zap.String("path", path), zap.String("detail", node.Invalid.Detail))
		return e.finishStep(r, span, step, next, "")
	}

	evidence, err := e.retrieve(ctx, r, node, path)
	if err != nil {
		return step, next, e.fail(span, err)
	}
	step.RetrievedSnippets = evidence

	allowExpand := !restricted && r.expansions < e.opts.MaxExpansions
	j, err := e.judge.Judge(ctx, node, evidence, allowExpand)
	if err != nil {
		return step, next, e.fail(span, fmt.Errorf("judge %s: %w", path, err))
	}
	next.nextStep = j.NextStep

	outcome, flattened := restrict(j.Decision)
	step.Outcome = outcome
	step.Rationale = j.Rationale
	switch {
	case flattened && restricted:
		step.Rationale = appendNote(step.Rationale, "expansion is not permitted inside an expansion; treated as CONTINUE")
	case flattened && !allowExpand:
		step.Rationale = appendNote(step.Rationale, fmt.Sprintf("expansion limit %d reached; treated as CONTINUE", e.opts.MaxExpansions))
	case flattened:
		r.expansions++
		step.RequestedExpansion = true
		exp, err := e.builder.Expand(ctx, node, j.Rationale, evidence)
		if err != nil {
			// A context error is the caller giving up, not a bad expansion.
			if ctx.Err() != nil {
				return step, next, e.fail(span, ctx.Err())
			}
			e.log.Warn("expansion failed", zap.String("report_id", r.res.ReportID), zap.String("path", path), zap.Error(err))
			step.Rationale = appendNote(step.Rationale, "expansion failed: "+err.Error())
			if aerr := e.audit.Record(r.hash, audit.EventExpansion, path, map[string]any{"error": err.Error()}); aerr != nil {
				return step, next, e.fail(span, aerr)
			}
		} else {
			next.expansion = exp
			if aerr := e.audit.Record(r.hash, audit.EventExpansion, path, map[string]any{
				"root":  exp.Root.Label,
				"depth": exp.Depth,
				"raw":   exp.Raw,
			}); aerr != nil {
				return step, next, e.fail(span, aerr)
			}
		}
	}

	return e.finishStep(r, span, step, next, j.Decision.String())
}

// finishStep applies the missing-continuation policy, appends the step and
// records a terminal verdict if the step carries one.
func (e *Executor) finishStep(r *run, span trace.Span, step StepResult, next visitNext, decision string) (StepResult, visitNext, error) {
	if step.Outcome == tree.Continue && !step.Expansion && !step.Diagnostic && next.expansion == nil {
		if child, _ := resolveNext(step.Node, next.nextStep); child == nil {
			// Recorded with the policy outcome; walk then sees the verdict.
			policy := e.opts.MissingContinuation
			step.Outcome = policy
			step.Rationale = appendNote(step.Rationale, fmt.Sprintf("no continuation declared; applying %s", policy))
		}
	}

	r.res.Trace = append(r.res.Trace, step)
	span.SetAttributes(attribute.String("node.outcome", step.Outcome.String()))
	e.log.Debug("node visited",
		zap.String("report_id", r.res.ReportID),
		zap.String("path", step.Path),
		zap.Int("depth", step.Depth),
		zap.Int("snippets", len(step.RetrievedSnippets)),
		zap.Stringer("outcome", step.Outcome))

	if err := e.audit.Record(r.hash, audit.EventNodeJudgment, map[string]any{
		"path":       step.Path,
		"depth":      step.Depth,
		"diagnostic": step.Diagnostic,
		"expansion":  step.Expansion,
	}, map[string]any{
		"decision":  decision,
		"outcome":   step.Outcome,
		"rationale": step.Rationale,
	}); err != nil {
		return step, next, e.fail(span, err)
	}

	if step.Outcome.Terminal() {
		reason := step.Rationale
		if reason == "" {
			reason = fmt.Sprintf("%s concluded %s", step.Path, step.Outcome)
		}
		if err := e.conclude(r, step.Outcome, reason); err != nil {
			return step, next, e.fail(span, err)
		}
	}
	return step, next, nil
}

func (e *Executor) retrieve(ctx context.Context, r *run, node *tree.Node, path string) ([]string, error) {
	query := node.Objective
	if query == "" {
		query = node.Description
	}
	results, err := e.retriever.Query(ctx, query, e.opts.TopK, e.opts.MinSimilarity)
	if err != nil {
		var embErr *retrieval.EmbeddingError
		if !errors.As(err, &embErr) {
			return nil, fmt.Errorf("retrieve evidence for %s: %w", path, err)
		}
		e.log.Warn("retrieval failed, judging without evidence",
			zap.String("report_id", r.res.ReportID), zap.String("path", path), zap.Error(err))
		if aerr := e.audit.Record(r.hash, audit.EventRetrievalFailed, map[string]any{"path": path, "query": query}, err); aerr != nil {
			return nil, aerr
		}
		return nil, nil
	}

	hits := make([]map[string]any, len(results))
	for i, res := range results {
		hits[i] = map[string]any{"unit_id": res.Unit.UnitID, "similarity": res.Similarity}
	}
	if err := e.audit.Record(r.hash, audit.EventNodeRetrieval, map[string]any{
		"path":           path,
		"query":          query,
		"top_k":          e.opts.TopK,
		"min_similarity": e.opts.MinSimilarity,
	}, hits); err != nil {
		return nil, err
	}
	return retrieval.RenderAll(results), nil
}

func (e *Executor) conclude(r *run, o tree.Outcome, reason string) error {
	if err := r.res.setVerdict(o, reason); err != nil {
		return err
	}
	e.log.Debug("verdict", zap.String("report_id", r.res.ReportID), zap.Stringer("outcome", o), zap.String("reason", reason))
	return e.audit.Record(r.hash, audit.EventVerdict, r.res.ReportID, map[string]any{
		"outcome": o,
		"reason":  reason,
		"visits":  r.visits,
	})
}

// resolveNext picks the continuation named by the judgment when it matches a
// declared continue branch, otherwise the first declared one.
func resolveNext(n *tree.Node, named string) (*tree.Node, string) {
	if named != "" {
		want := normalizeLabel(named)
		for _, b := range n.Branches {
			if b.Outcome != tree.Continue || b.Next == nil {
				continue
			}
			if normalizeLabel(b.Next.Label) == want || normalizeLabel(b.Label) == want {
				return b.Next, b.Label
			}
		}
	}
	return n.Continuation()
}

func appendNote(rationale, note string) string {
	if rationale == "" {
		return note
	}
	return rationale + " [" + note + "]"
}
