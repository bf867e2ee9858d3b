package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCSV_OriginalColumns(t *testing.T) {
	reports, invalid, err := LoadCSV("testdata/reports.csv")
	require.NoError(t, err)
	assert.Empty(t, invalid)
	require.Len(t, reports, 2)

	assert.Equal(t, "row-1", reports[0].ID)
	assert.Equal(t, "Vault.Withdraw", reports[0].CodeEntryPoint)
	assert.Contains(t, reports[0].AssociatedCode, "v.balance -= amt")
	assert.Equal(t, "row-2", reports[1].ID)
	assert.Equal(t, "Unbounded growth in Set.Add", reports[1].VulnerabilityDescription)
}

func TestReadCSV_ExplicitIDs(t *testing.T) {
	in := "id,vulnerability_description,code_entry_point,associated_code\n" +
		"R-7,overflow,Calc.Add,func Add() {}\n"
	reports, _, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "R-7", reports[0].ID)
}

func TestReadCSV_Errors(t *testing.T) {
	_, _, err := ReadCSV(strings.NewReader(""))
	assert.Error(t, err)

	_, _, err = ReadCSV(strings.NewReader("id,code_entry_point,associated_code\n1,a,b\n"))
	assert.ErrorContains(t, err, "vulnerability_description")
}

func TestReadCSV_InvalidRowDoesNotStopLoad(t *testing.T) {
	in := "id,vulnerability_description,code_entry_point,associated_code\n" +
		"r1,overflow,Calc.Add,func Add() {}\n" +
		"r2,overflow,Calc.Sub,\n" +
		"r3,overflow,Calc.Mul,func Mul() {}\n"
	reports, invalid, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)

	require.Len(t, reports, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{reports[0].ID, reports[1].ID, reports[2].ID})

	require.Len(t, invalid, 1)
	assert.Equal(t, 2, invalid[0].Row)
	assert.Equal(t, "r2", invalid[0].Report.ID)
	assert.ErrorContains(t, invalid[0], "row 2")
	assert.ErrorContains(t, invalid[0], "associated_code")
	assert.Error(t, reports[1].Validate())
}

func TestCanonicalIgnoresSurroundingWhitespace(t *testing.T) {
	a := Report{ID: "1", VulnerabilityDescription: "d", CodeEntryPoint: "e", AssociatedCode: "c"}
	b := Report{ID: " 1 ", VulnerabilityDescription: "d\n", CodeEntryPoint: "e", AssociatedCode: "  c"}
	assert.Equal(t, a.Canonical(), b.Canonical())
	assert.NotEqual(t, a.Canonical(), Report{ID: "2", VulnerabilityDescription: "d", CodeEntryPoint: "e", AssociatedCode: "c"}.Canonical())
}

func TestPayload(t *testing.T) {
	r := Report{VulnerabilityDescription: "d", CodeEntryPoint: "e", AssociatedCode: "c"}
	assert.Equal(t, "Vulnerability description: d\nCode entry point: e\nAssociated code:\nc\n", r.Payload())
}
