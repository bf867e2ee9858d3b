package tree

import (
	"context"
	"errors"
	"fmt"

	"vulnverify/internal/knowledge"
	"vulnverify/internal/logging"
	"vulnverify/internal/report"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const DefaultMaxExpansionNodes = 4

type BuilderOptions struct {
	// MaxExpansionNodes caps the depth of an expansion sub-tree.
	MaxExpansionNodes int
	// Language selects the root prompt: "en" (default) or "zh".
	Language       string
	FormatAttempts int
	Logger         *zap.Logger
}

// Builder drafts decision trees and expansion sub-trees through the oracle.
type Builder struct {
	oracle knowledge.Oracle
	opts   BuilderOptions
	log    *zap.Logger
}

func NewBuilder(oracle knowledge.Oracle, opts BuilderOptions) *Builder {
	if opts.MaxExpansionNodes <= 0 {
		opts.MaxExpansionNodes = DefaultMaxExpansionNodes
	}
	if opts.FormatAttempts <= 0 {
		opts.FormatAttempts = knowledge.DefaultFormatAttempts
	}
	return &Builder{oracle: oracle, opts: opts, log: logging.OrNop(opts.Logger)}
}

// BuildRoot asks the oracle for a verification tree for rep.
func (b *Builder) BuildRoot(ctx context.Context, rep report.Report) (*Tree, error) {
	raw, err := knowledge.GenerateStructured(ctx, b.oracle, rootPrompt(b.opts.Language, rep.Payload()), b.opts.FormatAttempts, checkMapping)
	if err != nil {
		return nil, err
	}

	t, err := Parse(raw, ParseOptions{})
	if err != nil {
		return nil, err
	}
	b.log.Debug("decision tree generated",
		zap.String("report_id", rep.ID),
		zap.String("dialect", string(t.Dialect)),
		zap.Int("top_level_steps", len(t.Steps)),
		zap.String("root", t.Root.Label))
	return t, nil
}

// Expand asks for a narrower sub-tree resolving node. The result is parsed in
// restricted mode: it cannot offer further expansion and its depth is capped.
func (b *Builder) Expand(ctx context.Context, node *Node, reason string, evidence []string) (*Expansion, error) {
	if node == nil || node.IsDiagnostic() {
		return nil, errors.New("cannot expand a diagnostic node")
	}
	prompt := expansionPrompt(node, reason, evidence, b.opts.MaxExpansionNodes)
	raw, err := knowledge.GenerateStructured(ctx, b.oracle, prompt, b.opts.FormatAttempts, checkMapping)
	if err != nil {
		return nil, err
	}

	t, err := Parse(raw, ParseOptions{Restricted: true, MaxDepth: b.opts.MaxExpansionNodes})
	if err != nil {
		return nil, fmt.Errorf("expansion of %s: %w", node.Label, err)
	}
	depth, _ := chainDepth(t.Root, map[*Node]bool{})
	return &Expansion{Root: t.Root, Depth: depth, Raw: raw}, nil
}

// checkMapping accepts any payload whose document is a mapping. Semantic
// validation happens in Parse and is not retried.
func checkMapping(raw string) error {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 || resolve(doc.Content[0]).Kind != yaml.MappingNode {
		return errors.New("payload is not an object")
	}
	return nil
}
