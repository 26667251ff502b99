package telemetry_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aoikida/sei-go/internal/telemetry"
)

func TestRecordAccumulatesEventsInMemory(t *testing.T) {
	r := telemetry.New("")

	require.NoError(t, r.Record(telemetry.Event{Kind: telemetry.KindBlacklist, TxnID: "t1", Core: 3}))
	require.NoError(t, r.Record(telemetry.Event{Kind: telemetry.KindMigration, TxnID: "t1", Core: 4}))

	events := r.Events()
	require.Len(t, events, 2)
	require.Equal(t, telemetry.KindBlacklist, events[0].Kind)
	require.Equal(t, telemetry.KindMigration, events[1].Kind)
}

func TestRecordMirrorsToAuditLogAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	r := telemetry.New(path)

	require.NoError(t, r.Record(telemetry.Event{Kind: telemetry.KindCommit, TxnID: "t1"}))
	require.NoError(t, r.Record(telemetry.Event{Kind: telemetry.KindRollback, TxnID: "t1", Core: 2}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []telemetry.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e telemetry.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		got = append(got, e)
	}

	require.Len(t, got, 2)
	require.Equal(t, telemetry.KindCommit, got[0].Kind)
	require.Equal(t, telemetry.KindRollback, got[1].Kind)
}
