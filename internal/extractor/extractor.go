package extractor

import (
	"context"
	"fmt"
	"os"

	sitter "github.com/smacker/go-tree-sitter"
)

// Extractor turns source files into code units for one language. Queries are
// compiled once; a fresh parser is used per file, so an Extractor is safe for
// concurrent use.
type Extractor struct {
	lang     LanguageExtractor
	langName string
	units    *sitter.Query
	pkg      *sitter.Query
}

// NewExtractor creates a new extractor for a given language.
func NewExtractor(lang string) (*Extractor, error) {
	var langExt LanguageExtractor
	switch lang {
	case "go":
		langExt = &GoExtractor{}
	default:
		return nil, fmt.Errorf("unsupported language: %s", lang)
	}

	units, err := sitter.NewQuery([]byte(langExt.GetQuery()), langExt.GetLanguage())
	if err != nil {
		return nil, fmt.Errorf("failed to compile unit query: %w", err)
	}
	e := &Extractor{lang: langExt, langName: lang, units: units}
	if q := langExt.ContainerQuery(); q != "" {
		if e.pkg, err = sitter.NewQuery([]byte(q), langExt.GetLanguage()); err != nil {
			units.Close()
			return nil, fmt.Errorf("failed to compile container query: %w", err)
		}
	}
	return e, nil
}

// Language is the name the extractor was created for.
func (e *Extractor) Language() string { return e.langName }

// Close releases the compiled queries.
func (e *Extractor) Close() {
	e.units.Close()
	if e.pkg != nil {
		e.pkg.Close()
	}
}

// ExtractFromFile parses a single source file and extracts all relevant code units.
func (e *Extractor) ExtractFromFile(ctx context.Context, filepath string) ([]*CodeUnit, error) {
	sourceCode, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filepath, err)
	}
	return e.ExtractFromSource(ctx, filepath, sourceCode)
}

// ExtractFromSource extracts code units from in-memory source.
func (e *Extractor) ExtractFromSource(ctx context.Context, filepath string, sourceCode []byte) ([]*CodeUnit, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(e.lang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, sourceCode)
	if err != nil {
		return nil, fmt.Errorf("failed to parse file %s: %w", filepath, err)
	}
	defer tree.Close()
	root := tree.RootNode()

	fallback := e.defaultContainer(root, sourceCode)

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(e.units, root)

	var codeUnits []*CodeUnit
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		for _, c := range m.Captures {
			unit := e.lang.ExtractUnit(e.units.CaptureNameForId(c.Index), c.Node, sourceCode, filepath, fallback)
			if unit != nil {
				codeUnits = append(codeUnits, unit)
			}
		}
	}
	return codeUnits, nil
}

// defaultContainer names the container for units that have no enclosing type,
// such as the package of a Go function.
func (e *Extractor) defaultContainer(root *sitter.Node, sourceCode []byte) string {
	if e.pkg == nil {
		return ""
	}
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(e.pkg, root)
	if m, ok := qc.NextMatch(); ok && len(m.Captures) > 0 {
		return m.Captures[0].Node.Content(sourceCode)
	}
	return ""
}
