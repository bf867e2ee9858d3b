package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"vulnverify/internal/knowledge"
	"vulnverify/internal/logging"
	"vulnverify/internal/tree"

	"go.uber.org/zap"
)

// Decision is a judgment outcome. Unlike tree.Outcome it can ask for an
// expansion, so it never leaves the executor unrestricted.
type Decision int

const (
	DecideContinue Decision = iota
	DecideConfirmed
	DecideFalsePositive
	DecideExpand
)

func (d Decision) String() string {
	switch d {
	case DecideContinue:
		return "CONTINUE"
	case DecideConfirmed:
		return "CONFIRMED"
	case DecideFalsePositive:
		return "FALSE_POSITIVE"
	case DecideExpand:
		return "EXPAND"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

func decisionOf(o tree.Outcome) Decision {
	switch o {
	case tree.Confirmed:
		return DecideConfirmed
	case tree.FalsePositive:
		return DecideFalsePositive
	default:
		return DecideContinue
	}
}

// restrict maps a decision onto the outcomes a walk can record. Expansion
// requests collapse to Continue; the bool reports that this happened.
func restrict(d Decision) (tree.Outcome, bool) {
	switch d {
	case DecideConfirmed:
		return tree.Confirmed, false
	case DecideFalsePositive:
		return tree.FalsePositive, false
	case DecideExpand:
		return tree.Continue, true
	default:
		return tree.Continue, false
	}
}

// Judgment is the oracle's verdict on one node given its evidence.
type Judgment struct {
	Decision  Decision
	Rationale string
	// NextStep optionally names the continuation to take.
	NextStep string
}

// Judge renders a judgment for a node.
type Judge interface {
	Judge(ctx context.Context, node *tree.Node, evidence []string, allowExpand bool) (Judgment, error)
}

// OracleJudge asks the oracle for a structured judgment.
type OracleJudge struct {
	oracle   knowledge.Oracle
	attempts int
	log      *zap.Logger
}

func NewOracleJudge(oracle knowledge.Oracle, logger *zap.Logger) *OracleJudge {
	return &OracleJudge{oracle: oracle, attempts: knowledge.DefaultFormatAttempts, log: logging.OrNop(logger)}
}

type judgmentPayload struct {
	Outcome   string `json:"outcome"`
	Rationale string `json:"rationale"`
	NextStep  string `json:"next_step"`
}

func (j *OracleJudge) Judge(ctx context.Context, node *tree.Node, evidence []string, allowExpand bool) (Judgment, error) {
	var out Judgment
	_, err := knowledge.GenerateStructured(ctx, j.oracle, judgmentPrompt(node, evidence, allowExpand), j.attempts, func(raw string) error {
		var p judgmentPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return err
		}
		d, err := parseDecision(p.Outcome, node)
		if err != nil {
			return err
		}
		out = Judgment{Decision: d, Rationale: strings.TrimSpace(p.Rationale), NextStep: strings.TrimSpace(p.NextStep)}
		return nil
	})
	if err != nil {
		return Judgment{}, err
	}
	j.log.Debug("judgment", zap.String("node", node.Label), zap.Stringer("decision", out.Decision))
	return out, nil
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// parseDecision accepts the canonical outcome names, common aliases, and any
// branch label declared on the node (which then maps to that branch).
func parseDecision(raw string, node *tree.Node) (Decision, error) {
	s := normalizeLabel(raw)
	if s == "" {
		return 0, fmt.Errorf("judgment has no outcome")
	}
	if node != nil {
		for _, b := range node.Branches {
			if normalizeLabel(b.Label) == s {
				return decisionOf(b.Outcome), nil
			}
		}
	}
	switch s {
	case "continue", "yes", "是", "pass", "satisfied":
		return DecideContinue, nil
	case "confirmed", "vulnerable", "true_positive", "漏洞存在":
		return DecideConfirmed, nil
	case "false_positive", "falsepositive", "not_vulnerable", "no", "否", "误报":
		return DecideFalsePositive, nil
	case "expand", "needs_expansion", "insufficient_evidence":
		return DecideExpand, nil
	default:
		return 0, fmt.Errorf("unknown outcome %q", raw)
	}
}

func judgmentPrompt(n *tree.Node, evidence []string, allowExpand bool) string {
	var b strings.Builder
	b.WriteString("You are executing one step of a vulnerability verification procedure. Decide the step\n")
	b.WriteString("using only the code evidence below.\n\n")
	fmt.Fprintf(&b, "Step: %s\n", n.Label)
	fmt.Fprintf(&b, "Description: %s\n", n.Description)
	fmt.Fprintf(&b, "Objective: %s\n", n.Objective)
	fmt.Fprintf(&b, "Procedure: %s\n", n.Procedure)
	fmt.Fprintf(&b, "Key points: %s\n", n.KeyPoints)
	fmt.Fprintf(&b, "Conclusion criteria: %s\n\n", n.ConclusionCriteria)

	if len(n.Branches) > 0 {
		b.WriteString("Declared branches:\n")
		for _, br := range n.Branches {
			switch {
			case br.Outcome == tree.Continue && br.Next != nil:
				fmt.Fprintf(&b, "- %s: continue to %s\n", br.Label, br.Next.Label)
			case br.Outcome == tree.Continue:
				fmt.Fprintf(&b, "- %s: continue\n", br.Label)
			default:
				fmt.Fprintf(&b, "- %s: conclude %s (%s)\n", br.Label, br.Outcome, br.Result)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("Evidence:\n")
	if len(evidence) == 0 {
		b.WriteString("(no code could be retrieved for this step; say so in the rationale)\n")
	}
	for i, e := range evidence {
		fmt.Fprintf(&b, "[%d]\n%s\n\n", i+1, e)
	}

	b.WriteString("\nAnswer with a JSON object {\"outcome\": ..., \"rationale\": ..., \"next_step\": ...}.\n")
	b.WriteString("outcome is one of the declared branch labels, or one of \"continue\", \"confirmed\", \"false_positive\"")
	if allowExpand {
		b.WriteString(", or \"expand\" when the evidence is insufficient and a narrower sub-procedure is needed")
	}
	b.WriteString(".\nnext_step is optional and names the continuation to take.\n")
	return b.String()
}
