package tree

import (
	"errors"
	"fmt"
)

// Outcome is the normalized branch vocabulary every dialect folds into.
type Outcome int

const (
	Continue Outcome = iota
	Confirmed
	FalsePositive
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "CONTINUE"
	case Confirmed:
		return "CONFIRMED"
	case FalsePositive:
		return "FALSE_POSITIVE"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Terminal reports whether the outcome ends a walk.
func (o Outcome) Terminal() bool {
	return o == Confirmed || o == FalsePositive
}

// Dialect names the branch-label schema a payload was written in.
type Dialect string

const (
	DialectBinary   Dialect = "binary"    // yes / no
	DialectTriState Dialect = "tri_state" // continue / confirmed / false_positive
)

// Node is one verification step. Nodes carry no identity of their own: a
// node reached along two different paths is two distinct visits.
type Node struct {
	Label              string `json:"label"`
	Description        string `json:"description"`
	Objective          string `json:"objective"`
	Procedure          string `json:"procedure"`
	KeyPoints          string `json:"key_points"`
	ConclusionCriteria string `json:"conclusion_criteria"`

	Branches []Branch `json:"branches,omitempty"`

	// Invalid is set on placeholder nodes standing in for a child payload
	// that was present but unusable.
	Invalid *InvalidStepDataError `json:"invalid,omitempty"`
}

// Branch is one normalized outcome of a node.
type Branch struct {
	Outcome Outcome `json:"outcome"`
	// Label is the raw key the branch was written under ("yes", "否", ...).
	Label string `json:"label"`
	// Next is the continuation for Continue branches. Nil when the payload
	// declared a continue branch with nothing usable behind it.
	Next *Node `json:"-"`
	// Result is the free-text conclusion attached to a terminal branch.
	Result string `json:"result,omitempty"`
}

// Continuation returns the node's continue child, if any.
func (n *Node) Continuation() (*Node, string) {
	if n == nil {
		return nil, ""
	}
	for _, b := range n.Branches {
		if b.Outcome == Continue && b.Next != nil {
			return b.Next, b.Label
		}
	}
	return nil, ""
}

// Terminal returns the branch declared for a terminal outcome.
func (n *Node) Terminal(o Outcome) (Branch, bool) {
	if n == nil {
		return Branch{}, false
	}
	for _, b := range n.Branches {
		if b.Outcome == o {
			return b, true
		}
	}
	return Branch{}, false
}

// IsDiagnostic reports whether n is a placeholder for unusable step data.
func (n *Node) IsDiagnostic() bool {
	return n != nil && n.Invalid != nil
}

// Tree is a normalized decision tree ready for traversal.
type Tree struct {
	Root    *Node
	Dialect Dialect
	// Steps lists top-level step names in document order.
	Steps []string
	// Raw is the cleaned oracle payload the tree was parsed from.
	Raw string
}

// Expansion is a narrower sub-tree synthesized for one node. Parsing rejects
// any expansion branch inside it, so walking it can never ask for another.
type Expansion struct {
	Root  *Node
	Depth int
	Raw   string
}

// ErrNestedExpansion marks an expansion payload that offers further expansion.
var ErrNestedExpansion = errors.New("expansion sub-tree requests further expansion")

// MalformedTreeError is returned when an oracle payload fails validation.
type MalformedTreeError struct {
	Path   string
	Reason string
	Err    error
}

func (e *MalformedTreeError) Error() string {
	msg := "malformed decision tree"
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedTreeError) Unwrap() error { return e.Err }

// InvalidStepDataError describes a child payload that exists but is not a
// usable step mapping. It is recoverable: traversal records it and moves on.
type InvalidStepDataError struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e *InvalidStepDataError) Error() string {
	return fmt.Sprintf("invalid step data at %s (%s): %s", e.Path, e.Kind, e.Detail)
}
