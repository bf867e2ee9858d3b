package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vulnverify/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_KeyOrderAndSeq(t *testing.T) {
	sink := &MemorySink{}
	l := New(sink)
	l.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, l.Record("h1", EventRunStarted, map[string]string{"id": "r1"}, nil))
	require.NoError(t, l.Record("h1", EventVerdict, nil, errors.New("boom")))

	lines := sink.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, `{"timestamp":"2024-05-01T12:00:00Z","hash":"h1","seq":1,"event":"run_started","input":{"id":"r1"},"output":null}`, lines[0])
	assert.Equal(t, `{"timestamp":"2024-05-01T12:00:00Z","hash":"h1","seq":2,"event":"verdict","input":null,"output":"boom"}`, lines[1])
}

func TestRecord_ConcurrentWritersKeepPerHashOrder(t *testing.T) {
	sink := &MemorySink{}
	l := New(sink)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			hash := fmt.Sprintf("h%d", w)
			for i := 0; i < 50; i++ {
				assert.NoError(t, l.Record(hash, EventNodeJudgment, i, nil))
			}
		}(w)
	}
	wg.Wait()

	last := map[string]int64{}
	for _, e := range sink.Entries() {
		assert.Greater(t, e.Seq, last[e.Hash])
		last[e.Hash] = e.Seq
	}
	assert.Len(t, last, 4)
	for _, s := range last {
		assert.Equal(t, int64(50), s)
	}
}

func TestOpen_ReplaysHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l, err := Open(path)
	require.NoError(t, err)
	assert.False(t, l.Seen("h1"))
	require.NoError(t, l.Record("h1", EventRunStarted, nil, nil))
	require.NoError(t, l.Record("h1", EventVerdict, nil, true))
	require.NoError(t, l.Record("h2", EventReportFailed, "r2", "bad tree"))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, l.Seen("h1"))
	assert.False(t, l.Seen("h2"), "only started runs count as seen")

	require.NoError(t, l.Record("h1", EventRunStarted, nil, nil))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[3], `"seq":3`)
}

func TestOpen_CorruptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))
	_, err := Open(path)
	assert.Error(t, err)
}

func TestReportHash(t *testing.T) {
	a := report.Report{ID: "1", VulnerabilityDescription: "d", CodeEntryPoint: "e", AssociatedCode: "c"}
	b := a
	b.AssociatedCode = "c\n"

	assert.Len(t, ReportHash(a), 64)
	assert.Equal(t, ReportHash(a), ReportHash(b))
	b.AssociatedCode = "other"
	assert.NotEqual(t, ReportHash(a), ReportHash(b))
}
