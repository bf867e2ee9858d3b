package extractor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractor_ExtractFromFile(t *testing.T) {
	testFile := filepath.Join("testdata", "sample.go")

	ext, err := NewExtractor("go")
	require.NoError(t, err)
	defer ext.Close()
	assert.Equal(t, "go", ext.Language())

	units, err := ext.ExtractFromFile(context.Background(), testFile)
	require.NoError(t, err)

	byID := make(map[string]*CodeUnit)
	for _, unit := range units {
		byID[unit.ID] = unit
	}

	t.Run("Overall Count", func(t *testing.T) {
		assert.Len(t, units, 4, "Withdraw, Balance, Add and Transfer")
	})

	t.Run("Method container is receiver base type", func(t *testing.T) {
		unit, ok := byID["Vault.Withdraw"]
		require.True(t, ok)
		assert.Equal(t, "Vault", unit.ContainerName)
		assert.Equal(t, "Withdraw", unit.Name)
		assert.Equal(t, "method", unit.Kind)
		assert.Contains(t, unit.Text, "// Withdraw moves funds out of the vault.")
		assert.Contains(t, unit.Text, "v.balances[who] -= amount")
		assert.Equal(t, "go", unit.Language)

		_, ok = byID["Vault.Balance"]
		assert.True(t, ok, "value receiver resolves to the same container")
	})

	t.Run("Generic receiver", func(t *testing.T) {
		unit, ok := byID["Set.Add"]
		require.True(t, ok)
		assert.Equal(t, "Set", unit.ContainerName)
	})

	t.Run("Function container is package", func(t *testing.T) {
		unit, ok := byID["sample.Transfer"]
		require.True(t, ok)
		assert.Equal(t, "sample", unit.ContainerName)
		assert.Equal(t, "function", unit.Kind)
		assert.Greater(t, unit.EndLine, unit.StartLine)
	})
}

func TestExtractor_NoPackageClause(t *testing.T) {
	ext, err := NewExtractor("go")
	require.NoError(t, err)
	defer ext.Close()

	units, err := ext.ExtractFromSource(context.Background(), "snippet.go", []byte("func Lone() {}\n"))
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "_.Lone", units[0].ID)
}

func TestNewExtractor_Unsupported(t *testing.T) {
	_, err := NewExtractor("cobol")
	assert.Error(t, err)
}

func TestNewCodeUnit(t *testing.T) {
	u := NewCodeUnit("A", "f", "function f() {}")
	assert.Equal(t, "A.f", u.ID)
	assert.Equal(t, "A", u.ContainerName)
}
