package executor

import (
	"fmt"
	"strings"

	"vulnverify/internal/tree"
)

// StepResult records one node visit. It is never modified after being
// appended to a trace.
type StepResult struct {
	Node              *tree.Node   `json:"node"`
	Path              string       `json:"path"`
	Depth             int          `json:"depth"`
	RetrievedSnippets []string     `json:"retrieved_snippets"`
	Outcome           tree.Outcome `json:"outcome"`
	Rationale         string       `json:"rationale"`
	// Expansion marks visits inside an expansion sub-tree.
	Expansion bool `json:"expansion,omitempty"`
	// RequestedExpansion marks the visit whose judgment asked for one.
	RequestedExpansion bool `json:"requested_expansion,omitempty"`
	// Diagnostic marks placeholder visits for unusable step data.
	Diagnostic bool `json:"diagnostic,omitempty"`
}

// RunResult is the outcome of triaging one report.
type RunResult struct {
	ReportID          string `json:"report_id"`
	ReportHash        string `json:"report_hash"`
	ReportDescription string `json:"report_description"`
	// Verdict is true for a confirmed vulnerability, false for a false
	// positive. It is set exactly once.
	Verdict *bool        `json:"verdict"`
	Reason  string       `json:"reason"`
	Trace   []StepResult `json:"trace"`
	// Duplicate is set when the same report was already triaged according
	// to the audit log.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Label renders the verdict for display.
func (r *RunResult) Label() string {
	switch {
	case r.Verdict == nil:
		return "UNDECIDED"
	case *r.Verdict:
		return tree.Confirmed.String()
	default:
		return tree.FalsePositive.String()
	}
}

func (r *RunResult) decided() bool { return r.Verdict != nil }

func (r *RunResult) setVerdict(o tree.Outcome, reason string) error {
	if r.Verdict != nil {
		return fmt.Errorf("verdict already set for report %s", r.ReportID)
	}
	if !o.Terminal() {
		return fmt.Errorf("outcome %s is not a verdict", o)
	}
	v := o == tree.Confirmed
	r.Verdict = &v
	r.Reason = reason
	return nil
}

// ParsePolicy maps a configured policy name onto a terminal outcome.
func ParsePolicy(name string) (tree.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "confirmed":
		return tree.Confirmed, nil
	case "false_positive", "false-positive":
		return tree.FalsePositive, nil
	default:
		return 0, fmt.Errorf("unknown verdict policy %q", name)
	}
}
