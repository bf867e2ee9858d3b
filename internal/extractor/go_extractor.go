package extractor

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// GoExtractor implements LanguageExtractor for Go. Functions are contained by
// their package, methods by their receiver's base type.
type GoExtractor struct{}

func (g *GoExtractor) GetLanguage() *sitter.Language {
	return golang.GetLanguage()
}

func (g *GoExtractor) GetQuery() string {
	return `
		(function_declaration) @func
		(method_declaration) @func
	`
}

func (g *GoExtractor) ContainerQuery() string {
	return `(package_clause (package_identifier) @pkg)`
}

func (g *GoExtractor) ExtractUnit(captureName string, node *sitter.Node, sourceCode []byte, filepath string, packageName string) *CodeUnit {
	if captureName != "func" {
		return nil
	}

	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	name := nameNode.Content(sourceCode)

	container := packageName
	kind := "function"
	if node.Type() == "method_declaration" {
		kind = "method"
		if recv := g.receiverType(node, sourceCode); recv != "" {
			container = recv
		}
	}
	if container == "" {
		container = "_"
	}

	text := node.Content(sourceCode)
	if doc := g.extractDocComment(node, sourceCode); doc != "" {
		text = doc + "\n" + text
	}

	unit := NewCodeUnit(container, name, text)
	unit.Kind = kind
	unit.Filepath = filepath
	unit.Language = "go"
	unit.StartLine = int(node.StartPoint().Row + 1)
	unit.EndLine = int(node.EndPoint().Row + 1)
	return &unit
}

// receiverType returns the base type name of a method receiver:
// "(u *User)" -> "User", "(s Set[T])" -> "Set".
func (g *GoExtractor) receiverType(node *sitter.Node, sourceCode []byte) string {
	receiverNode := node.ChildByFieldName("receiver")
	if receiverNode == nil {
		return ""
	}
	for i := 0; i < int(receiverNode.NamedChildCount()); i++ {
		param := receiverNode.NamedChild(i)
		if param.Type() != "parameter_declaration" {
			continue
		}
		typeNode := param.ChildByFieldName("type")
		if typeNode == nil {
			continue
		}
		t := strings.TrimSpace(typeNode.Content(sourceCode))
		t = strings.TrimLeft(t, "*")
		if idx := strings.Index(t, "["); idx >= 0 {
			t = t[:idx]
		}
		return strings.TrimSpace(t)
	}
	return ""
}

func (g *GoExtractor) extractDocComment(node *sitter.Node, sourceCode []byte) string {
	var commentLines []string
	currentNode := node
	for {
		prevSibling := currentNode.PrevSibling()
		if prevSibling == nil || (currentNode.StartPoint().Row-prevSibling.EndPoint().Row > 1) {
			break
		}
		if prevSibling.Type() != "comment" {
			break
		}
		commentLines = append([]string{prevSibling.Content(sourceCode)}, commentLines...)
		currentNode = prevSibling
	}
	return strings.Join(commentLines, "\n")
}
