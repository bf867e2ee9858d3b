package tree

import (
	"context"
	"errors"
	"strings"
	"testing"

	"vulnverify/internal/knowledge"
	"vulnverify/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	responses []string
	err       error
	prompts   []string
}

func (s *stubOracle) Generate(ctx context.Context, prompt string, opts knowledge.GenerateOptions) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	i := min(len(s.prompts)-1, len(s.responses)-1)
	return s.responses[i], nil
}

var testReport = report.Report{
	ID:                       "r1",
	VulnerabilityDescription: "reentrancy in Withdraw",
	CodeEntryPoint:           "Vault.Withdraw",
	AssociatedCode:           "func (v *Vault) Withdraw() {}",
}

func TestBuilder_BuildRoot(t *testing.T) {
	oracle := &stubOracle{responses: []string{"```json\n{\"s1\": {" + fields + ", \"confirmed\": \"y\"}}\n```"}}
	b := NewBuilder(oracle, BuilderOptions{})

	tr, err := b.BuildRoot(context.Background(), testReport)
	require.NoError(t, err)
	assert.Equal(t, "s1", tr.Root.Label)
	require.Len(t, oracle.prompts, 1)
	assert.Contains(t, oracle.prompts[0], "reentrancy in Withdraw")
	assert.Contains(t, oracle.prompts[0], "conclusion_criteria")
}

func TestBuilder_BuildRootChinesePrompt(t *testing.T) {
	oracle := &stubOracle{responses: []string{`{"步骤1": {` + zhFields + `, "否": {"结果": "误报"}}}`}}
	b := NewBuilder(oracle, BuilderOptions{Language: "zh"})

	tr, err := b.BuildRoot(context.Background(), testReport)
	require.NoError(t, err)
	assert.Equal(t, DialectBinary, tr.Dialect)
	assert.Contains(t, oracle.prompts[0], "检查结论参考")
}

func TestBuilder_BuildRootErrors(t *testing.T) {
	t.Run("format", func(t *testing.T) {
		oracle := &stubOracle{responses: []string{"I cannot help with that"}}
		_, err := NewBuilder(oracle, BuilderOptions{}).BuildRoot(context.Background(), testReport)
		var formatErr *knowledge.OracleFormatError
		require.ErrorAs(t, err, &formatErr)
		assert.Len(t, oracle.prompts, knowledge.DefaultFormatAttempts)
	})

	t.Run("malformed is not retried", func(t *testing.T) {
		oracle := &stubOracle{responses: []string{`{"s1": {"description": "d"}}`}}
		_, err := NewBuilder(oracle, BuilderOptions{}).BuildRoot(context.Background(), testReport)
		var malformed *MalformedTreeError
		require.ErrorAs(t, err, &malformed)
		assert.Len(t, oracle.prompts, 1)
	})

	t.Run("call", func(t *testing.T) {
		callErr := &knowledge.OracleCallError{Attempts: 3, Err: errors.New("down")}
		_, err := NewBuilder(&stubOracle{err: callErr}, BuilderOptions{}).BuildRoot(context.Background(), testReport)
		assert.ErrorIs(t, err, callErr)
	})
}

func TestBuilder_Expand(t *testing.T) {
	node := &Node{Label: "s1", Description: "d", Objective: "check the lock", Procedure: "p", KeyPoints: "k", ConclusionCriteria: "c"}

	oracle := &stubOracle{responses: []string{`{"e1": {` + fields + `, "continue": "e2"}, "e2": {` + fields + `, "false_positive": "guarded"}}`}}
	exp, err := NewBuilder(oracle, BuilderOptions{}).Expand(context.Background(), node, "no snippet shows the lock", []string{"func lock() {}"})
	require.NoError(t, err)
	assert.Equal(t, "e1", exp.Root.Label)
	assert.Equal(t, 2, exp.Depth)
	assert.Contains(t, oracle.prompts[0], "check the lock")
	assert.Contains(t, oracle.prompts[0], "func lock() {}")
	assert.Contains(t, oracle.prompts[0], "no snippet shows the lock")

	oracle = &stubOracle{responses: []string{`{"e1": {` + fields + `, "needs_expansion": "again"}}`}}
	_, err = NewBuilder(oracle, BuilderOptions{}).Expand(context.Background(), node, "", nil)
	assert.ErrorIs(t, err, ErrNestedExpansion)

	deep := strings.Builder{}
	deep.WriteString("{")
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		if i > 0 {
			deep.WriteString(",")
		}
		next := `"confirmed": "y"`
		if i < 4 {
			next = `"continue": "` + []string{"b", "c", "d", "e"}[i] + `"`
		}
		deep.WriteString(`"` + name + `": {` + fields + `, ` + next + `}`)
	}
	deep.WriteString("}")
	oracle = &stubOracle{responses: []string{deep.String()}}
	_, err = NewBuilder(oracle, BuilderOptions{MaxExpansionNodes: 4}).Expand(context.Background(), node, "", nil)
	var malformed *MalformedTreeError
	assert.ErrorAs(t, err, &malformed)

	_, err = NewBuilder(oracle, BuilderOptions{}).Expand(context.Background(), &Node{Invalid: &InvalidStepDataError{}}, "", nil)
	assert.Error(t, err)
}
