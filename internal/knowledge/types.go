package knowledge

import (
	"context"
	"fmt"
)

// Embedder defines the interface for converting text to vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Oracle is the language-model collaborator that drafts decision trees and
// renders per-node judgments.
type Oracle interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// GenerateOptions tunes a single generation request.
type GenerateOptions struct {
	// Structured asks the provider for a JSON document instead of free text.
	Structured bool
}

// OracleCallError reports a transport-level failure that survived all retries.
type OracleCallError struct {
	Attempts int
	Err      error
}

func (e *OracleCallError) Error() string {
	return fmt.Sprintf("oracle call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *OracleCallError) Unwrap() error { return e.Err }

// OracleFormatError reports output that could not be parsed as the requested
// structure.
type OracleFormatError struct {
	Raw string
	Err error
}

func (e *OracleFormatError) Error() string {
	return fmt.Sprintf("oracle returned unparseable output: %v", e.Err)
}

func (e *OracleFormatError) Unwrap() error { return e.Err }
