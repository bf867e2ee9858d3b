package executor

import (
	"context"
	"testing"

	"vulnverify/internal/knowledge"
	"vulnverify/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedOracle struct {
	replies []string
	prompts []string
}

func (s *scriptedOracle) Generate(ctx context.Context, prompt string, opts knowledge.GenerateOptions) (string, error) {
	s.prompts = append(s.prompts, prompt)
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

func TestParseDecision(t *testing.T) {
	node := step("check")
	node.Branches = []tree.Branch{
		{Outcome: tree.Continue, Label: "是", Next: step("next")},
		{Outcome: tree.FalsePositive, Label: "否", Result: "误报"},
		{Outcome: tree.Confirmed, Label: "sink reachable"},
	}
	cases := map[string]Decision{
		"continue":        DecideContinue,
		"YES":             DecideContinue,
		"是":               DecideContinue,
		"confirmed":       DecideConfirmed,
		"Sink Reachable":  DecideConfirmed,
		"false-positive":  DecideFalsePositive,
		"否":               DecideFalsePositive,
		"needs_expansion": DecideExpand,
		" expand ":        DecideExpand,
	}
	for raw, want := range cases {
		got, err := parseDecision(raw, node)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := parseDecision("maybe", node)
	assert.Error(t, err)
	_, err = parseDecision("  ", node)
	assert.Error(t, err)
}

func TestRestrict(t *testing.T) {
	o, flat := restrict(DecideExpand)
	assert.Equal(t, tree.Continue, o)
	assert.True(t, flat)
	o, flat = restrict(DecideFalsePositive)
	assert.Equal(t, tree.FalsePositive, o)
	assert.False(t, flat)
}

func TestOracleJudge(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{
		"not json at all",
		"```json\n{\"outcome\": \"false_positive\", \"rationale\": \" length is checked \", \"next_step\": \"\"}\n```",
	}}
	judge := NewOracleJudge(oracle, nil)

	j, err := judge.Judge(context.Background(), step("bounds"), []string{"func Add() {}"}, false)
	require.NoError(t, err)
	assert.Equal(t, DecideFalsePositive, j.Decision)
	assert.Equal(t, "length is checked", j.Rationale)
	require.Len(t, oracle.prompts, 2)
	assert.Contains(t, oracle.prompts[0], "func Add() {}")
	assert.NotContains(t, oracle.prompts[0], "expand")
}

func TestOracleJudge_OffersExpansionOnlyWhenAllowed(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{`{"outcome": "expand", "rationale": "need callers"}`}}
	judge := NewOracleJudge(oracle, nil)

	j, err := judge.Judge(context.Background(), step("callers"), nil, true)
	require.NoError(t, err)
	assert.Equal(t, DecideExpand, j.Decision)
	assert.Contains(t, oracle.prompts[0], "\"expand\"")
	assert.Contains(t, oracle.prompts[0], "no code could be retrieved")
}

func TestOracleJudge_UnknownOutcomeIsFormatError(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{`{"outcome": "perhaps"}`}}
	judge := NewOracleJudge(oracle, nil)

	_, err := judge.Judge(context.Background(), step("s"), nil, false)
	var formatErr *knowledge.OracleFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Len(t, oracle.prompts, knowledge.DefaultFormatAttempts)
}
