package tree

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type keyKind int

const (
	keyUnknown keyKind = iota
	keyDescription
	keyObjective
	keyProcedure
	keyKeyPoints
	keyConclusion
	keyYes
	keyNo
	keyContinue
	keyConfirmed
	keyFalsePositive
	keyExpand
	keyNext
	keyResult
	keyName
)

var keyKinds = map[string]keyKind{
	"description":         keyDescription,
	"检查描述":                keyDescription,
	"描述":                  keyDescription,
	"objective":           keyObjective,
	"goal":                keyObjective,
	"检查目标":                keyObjective,
	"procedure":           keyProcedure,
	"具体检查步骤":              keyProcedure,
	"key_points":          keyKeyPoints,
	"检查关键点":               keyKeyPoints,
	"conclusion_criteria": keyConclusion,
	"conclusion":          keyConclusion,
	"检查结论参考":              keyConclusion,
	"yes":                 keyYes,
	"是":                   keyYes,
	"no":                  keyNo,
	"否":                   keyNo,
	"continue":            keyContinue,
	"confirmed":           keyConfirmed,
	"vulnerable":          keyConfirmed,
	"false_positive":      keyFalsePositive,
	"falsepositive":       keyFalsePositive,
	"expand":              keyExpand,
	"needs_expansion":     keyExpand,
	"next_step":           keyNext,
	"next":                keyNext,
	"下一步":                 keyNext,
	"result":              keyResult,
	"结果":                  keyResult,
	"name":                keyName,
	"title":               keyName,
}

// normalizeKey folds case, separators and the "（不少于200个字）" style
// length hints so both English and Chinese payloads map onto one vocabulary.
func normalizeKey(k string) string {
	k = strings.TrimSpace(k)
	if i := strings.IndexAny(k, "（("); i > 0 {
		k = k[:i]
	}
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer("-", "_", " ", "_").Replace(k)
}

func kindOf(k *yaml.Node) keyKind {
	return keyKinds[normalizeKey(k.Value)]
}

func (k keyKind) isField() bool {
	return k >= keyDescription && k <= keyConclusion
}

func (k keyKind) isBranch() bool {
	return k >= keyYes && k <= keyExpand
}

// ParseOptions controls payload validation.
type ParseOptions struct {
	// Restricted rejects any expansion branch, for expansion payloads.
	Restricted bool
	// MaxDepth caps the longest node chain; zero means unbounded. A capped
	// tree must also be acyclic.
	MaxDepth int
}

type parser struct {
	opts       ParseOptions
	steps      map[string]*Node
	referenced map[string]bool
	active     map[*yaml.Node]bool
	dialect    Dialect
}

// Parse normalizes an oracle payload (JSON or YAML) into a Tree. Step order is
// taken from the document, not from map iteration.
func Parse(raw string, opts ParseOptions) (*Tree, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &MalformedTreeError{Reason: "payload is not valid JSON or YAML", Err: err}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &MalformedTreeError{Reason: "empty payload"}
	}
	top := resolve(doc.Content[0])
	if top.Kind != yaml.MappingNode || len(top.Content) == 0 {
		return nil, &MalformedTreeError{Reason: "payload must be a non-empty mapping of steps"}
	}

	p := &parser{
		opts:       opts,
		steps:      make(map[string]*Node),
		referenced: make(map[string]bool),
		active:     make(map[*yaml.Node]bool),
	}

	// A single wrapper key ({"decision_tree": {...steps}}) is unwrapped once.
	if len(top.Content) == 2 && !isStepMapping(top) {
		if inner := resolve(top.Content[1]); inner.Kind == yaml.MappingNode && !isStepMapping(inner) && allMappings(inner) {
			top = inner
		}
	}

	var (
		names []string
		defs  []*yaml.Node
	)
	if isStepMapping(top) {
		p.steps["root"] = &Node{Label: "root"}
		names = []string{"root"}
		defs = []*yaml.Node{top}
	} else {
		for i := 0; i+1 < len(top.Content); i += 2 {
			name := strings.TrimSpace(top.Content[i].Value)
			def := resolve(top.Content[i+1])
			if def.Kind != yaml.MappingNode {
				return nil, &MalformedTreeError{Path: name, Reason: "top-level step must be a mapping"}
			}
			if _, dup := p.steps[name]; dup {
				return nil, &MalformedTreeError{Path: name, Reason: "duplicate step name"}
			}
			p.steps[name] = &Node{Label: name}
			names = append(names, name)
			defs = append(defs, def)
		}
	}
	for i, name := range names {
		if err := p.fill(p.steps[name], defs[i], name, name); err != nil {
			return nil, err
		}
	}

	root := p.steps[names[0]]
	for _, name := range names {
		if !p.referenced[name] {
			root = p.steps[name]
			break
		}
	}

	if opts.MaxDepth > 0 {
		depth, err := chainDepth(root, map[*Node]bool{})
		if err != nil {
			return nil, err
		}
		if depth > opts.MaxDepth {
			return nil, &MalformedTreeError{Path: root.Label, Reason: fmt.Sprintf("sub-tree depth %d exceeds limit %d", depth, opts.MaxDepth)}
		}
	}

	return &Tree{Root: root, Dialect: p.dialect, Steps: names, Raw: raw}, nil
}

// fill populates n from mapping m. self is the enclosing top-level step name.
func (p *parser) fill(n *Node, m *yaml.Node, path, self string) error {
	if p.active[m] {
		return &MalformedTreeError{Path: path, Reason: "cyclic self-reference"}
	}
	p.active[m] = true
	defer delete(p.active, m)

	var (
		nodeDialect Dialect
		seen        = make(map[keyKind]bool)
	)
	for i := 0; i+1 < len(m.Content); i += 2 {
		k := m.Content[i]
		v := resolve(m.Content[i+1])
		kind := kindOf(k)
		label := strings.TrimSpace(k.Value)
		childPath := path + "/" + label

		if kind.isBranch() || kind.isField() || kind == keyNext {
			if seen[kind] {
				return &MalformedTreeError{Path: path, Reason: fmt.Sprintf("duplicate key %q", label)}
			}
			seen[kind] = true
		}
		if kind.isBranch() {
			d := DialectTriState
			if kind == keyYes || kind == keyNo {
				d = DialectBinary
			}
			if nodeDialect != "" && nodeDialect != d {
				return &MalformedTreeError{Path: path, Reason: "node mixes yes/no and continue/confirmed/false_positive branches"}
			}
			nodeDialect = d
			if p.dialect == "" {
				p.dialect = d
			}
		}

		switch kind {
		case keyDescription, keyObjective, keyProcedure, keyKeyPoints, keyConclusion:
			if v.Kind != yaml.ScalarNode {
				return &MalformedTreeError{Path: childPath, Reason: "text field must be a string"}
			}
			setField(n, kind, strings.TrimSpace(v.Value))
		case keyName:
			// Display metadata only.
		case keyYes, keyContinue, keyNext:
			b, err := p.continuation(v, childPath, label, n.Label, self)
			if err != nil {
				return err
			}
			n.Branches = append(n.Branches, b)
		case keyNo:
			b, err := p.terminal(v, childPath, label, FalsePositive, true)
			if err != nil {
				return err
			}
			n.Branches = append(n.Branches, b)
		case keyConfirmed:
			b, err := p.terminal(v, childPath, label, Confirmed, false)
			if err != nil {
				return err
			}
			n.Branches = append(n.Branches, b)
		case keyFalsePositive:
			b, err := p.terminal(v, childPath, label, FalsePositive, false)
			if err != nil {
				return err
			}
			n.Branches = append(n.Branches, b)
		case keyExpand:
			if p.opts.Restricted {
				return &MalformedTreeError{Path: childPath, Err: ErrNestedExpansion}
			}
			// Expansion is decided by the judgment, not declared by the tree.
		default:
			return &MalformedTreeError{Path: path, Reason: fmt.Sprintf("unknown key %q", label)}
		}
	}

	if missing := missingFields(n); len(missing) > 0 {
		return &MalformedTreeError{Path: path, Reason: "missing required fields: " + strings.Join(missing, ", ")}
	}
	return nil
}

func (p *parser) continuation(v *yaml.Node, path, label, parentLabel, self string) (Branch, error) {
	b := Branch{Outcome: Continue, Label: label}

	switch v.Kind {
	case yaml.ScalarNode:
		if v.Tag == "!!null" || strings.TrimSpace(v.Value) == "" {
			return b, nil
		}
		if v.Tag != "!!str" {
			b.Next = diagnostic(path, tagKind(v.Tag), fmt.Sprintf("continuation is %q, not a step", v.Value))
			return b, nil
		}
		next, err := p.reference(strings.TrimSpace(v.Value), path, self)
		if err != nil {
			return b, err
		}
		b.Next = next
		return b, nil

	case yaml.MappingNode:
		switch {
		case len(v.Content) == 0:
			return b, nil
		case onlyKinds(v, keyResult, keyName):
			text := scalarOf(v, keyResult)
			return Branch{Outcome: classifyResult(text, Confirmed), Label: label, Result: text}, nil
		case onlyKinds(v, keyNext, keyName):
			ref := strings.TrimSpace(scalarOf(v, keyNext))
			if ref == "" {
				return b, nil
			}
			next, err := p.reference(ref, path, self)
			if err != nil {
				return b, err
			}
			b.Next = next
			return b, nil
		case isStepMapping(v):
			child := &Node{Label: parentLabel + "." + label}
			if err := p.fill(child, v, path, self); err != nil {
				return b, err
			}
			b.Next = child
			return b, nil
		case len(v.Content) == 2:
			name := strings.TrimSpace(v.Content[0].Value)
			inner := resolve(v.Content[1])
			if inner.Kind != yaml.MappingNode {
				b.Next = diagnostic(path+"/"+name, kindName(inner), "wrapped step is not a mapping")
				return b, nil
			}
			child := &Node{Label: name}
			if err := p.fill(child, inner, path+"/"+name, self); err != nil {
				return b, err
			}
			b.Next = child
			return b, nil
		default:
			child := &Node{Label: parentLabel + "." + label}
			if err := p.fill(child, v, path, self); err != nil {
				return b, err
			}
			b.Next = child
			return b, nil
		}

	default:
		b.Next = diagnostic(path, kindName(v), "continuation is not a step mapping")
		return b, nil
	}
}

// reference resolves a step name. A step naming itself is a loop like any
// other name cycle; it does not count as a reference for root selection.
func (p *parser) reference(name, path, self string) (*Node, error) {
	if target, ok := p.steps[name]; ok {
		if name != self {
			p.referenced[name] = true
		}
		return target, nil
	}
	return diagnostic(path, "string", fmt.Sprintf("unresolved step reference %q", name)), nil
}

// terminal parses a conclusion branch. When classify is set the outcome is
// read from the result text, falling back to def.
func (p *parser) terminal(v *yaml.Node, path, label string, def Outcome, classify bool) (Branch, error) {
	var text string
	switch v.Kind {
	case yaml.ScalarNode:
		if v.Tag != "!!null" {
			text = strings.TrimSpace(v.Value)
		}
	case yaml.MappingNode:
		switch {
		case len(v.Content) == 0:
		case onlyKinds(v, keyResult, keyName):
			text = scalarOf(v, keyResult)
		default:
			return Branch{}, &MalformedTreeError{Path: path, Reason: fmt.Sprintf("terminal branch %q must not carry a nested step", label)}
		}
	default:
		return Branch{}, &MalformedTreeError{Path: path, Reason: fmt.Sprintf("terminal branch %q must be text", label)}
	}

	outcome := def
	if classify {
		outcome = classifyResult(text, def)
	}
	return Branch{Outcome: outcome, Label: label, Result: text}, nil
}

var (
	notFalsePositiveMarkers = []string{"不是误报", "非误报", "不属于误报", "not a false positive", "not false positive"}
	falsePositiveMarkers    = []string{"误报", "false positive", "false_positive", "not vulnerable", "漏洞不存在", "不存在漏洞"}
	confirmedMarkers        = []string{"confirmed", "vulnerable", "漏洞存在", "存在漏洞", "确认", "真实"}
)

// classifyResult reads a terminal's free-text conclusion.
func classifyResult(text string, fallback Outcome) Outcome {
	t := strings.ToLower(text)
	for _, m := range notFalsePositiveMarkers {
		if strings.Contains(t, m) {
			return Confirmed
		}
	}
	for _, m := range falsePositiveMarkers {
		if strings.Contains(t, m) {
			return FalsePositive
		}
	}
	for _, m := range confirmedMarkers {
		if strings.Contains(t, m) {
			return Confirmed
		}
	}
	return fallback
}

func chainDepth(n *Node, onPath map[*Node]bool) (int, error) {
	if n == nil {
		return 0, nil
	}
	if onPath[n] {
		return 0, &MalformedTreeError{Path: n.Label, Reason: "sub-tree contains a cycle"}
	}
	onPath[n] = true
	defer delete(onPath, n)

	deepest := 0
	for _, b := range n.Branches {
		d, err := chainDepth(b.Next, onPath)
		if err != nil {
			return 0, err
		}
		deepest = max(deepest, d)
	}
	return deepest + 1, nil
}

func setField(n *Node, kind keyKind, value string) {
	switch kind {
	case keyDescription:
		n.Description = value
	case keyObjective:
		n.Objective = value
	case keyProcedure:
		n.Procedure = value
	case keyKeyPoints:
		n.KeyPoints = value
	case keyConclusion:
		n.ConclusionCriteria = value
	}
}

func missingFields(n *Node) []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"description", n.Description},
		{"objective", n.Objective},
		{"procedure", n.Procedure},
		{"key_points", n.KeyPoints},
		{"conclusion_criteria", n.ConclusionCriteria},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

func diagnostic(path, kind, detail string) *Node {
	return &Node{
		Label:   path,
		Invalid: &InvalidStepDataError{Path: path, Kind: kind, Detail: detail},
	}
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func isStepMapping(m *yaml.Node) bool {
	if m.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i < len(m.Content); i += 2 {
		if k := kindOf(m.Content[i]); k.isField() || k.isBranch() {
			return true
		}
	}
	return false
}

func allMappings(m *yaml.Node) bool {
	for i := 1; i < len(m.Content); i += 2 {
		if resolve(m.Content[i]).Kind != yaml.MappingNode {
			return false
		}
	}
	return len(m.Content) > 0
}

func onlyKinds(m *yaml.Node, kinds ...keyKind) bool {
	for i := 0; i < len(m.Content); i += 2 {
		k := kindOf(m.Content[i])
		ok := false
		for _, want := range kinds {
			if k == want {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func scalarOf(m *yaml.Node, kind keyKind) string {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if kindOf(m.Content[i]) == kind {
			if v := resolve(m.Content[i+1]); v.Kind == yaml.ScalarNode && v.Tag != "!!null" {
				return strings.TrimSpace(v.Value)
			}
		}
	}
	return ""
}

func kindName(n *yaml.Node) string {
	switch n.Kind {
	case yaml.SequenceNode:
		return "array"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return tagKind(n.Tag)
	default:
		return "unknown"
	}
}

func tagKind(tag string) string {
	switch tag {
	case "!!int", "!!float":
		return "number"
	case "!!bool":
		return "bool"
	case "!!str":
		return "string"
	default:
		return strings.TrimPrefix(tag, "!!")
	}
}
