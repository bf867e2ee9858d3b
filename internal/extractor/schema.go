package extractor

import sitter "github.com/smacker/go-tree-sitter"

// CodeUnit is one named, extractable piece of source (a function or method).
// ID follows the "<container>.<unit>" scheme that retrieval results and audit
// records rely on for display and cross-referencing.
type CodeUnit struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	ContainerName string `json:"container_name"`
	Name          string `json:"name"`
	Kind          string `json:"kind"` // "function" or "method"
	Filepath      string `json:"filepath"`
	Language      string `json:"language"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
}

// NewCodeUnit builds a unit with the canonical "<container>.<name>" identifier.
func NewCodeUnit(container, name, text string) CodeUnit {
	return CodeUnit{
		ID:            container + "." + name,
		Text:          text,
		ContainerName: container,
		Name:          name,
	}
}

// LanguageExtractor defines the interface that each language parser must implement.
type LanguageExtractor interface {
	GetLanguage() *sitter.Language
	// GetQuery captures unit declarations.
	GetQuery() string
	// ContainerQuery captures the file-level container name (a Go package
	// clause). Empty when the language has none.
	ContainerQuery() string
	ExtractUnit(captureName string, node *sitter.Node, sourceCode []byte, filepath string, container string) *CodeUnit
}
