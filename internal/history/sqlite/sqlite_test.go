package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/watchdog/internal/history"
)

func TestSQLiteSink_FileRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	rec := history.Record{Name: "shopbot", PID: 4242, RunID: "run-1", State: "running", Restarts: 1}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), Record: rec}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventRestart, OccurredAt: time.Now(), Record: rec}))
	rec.Reason = "exhausted"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventRestartDenied, OccurredAt: time.Now(), Record: rec}))

	n, err := sink.Count(ctx, history.EventRestart)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var reason string
	require.NoError(t, sink.db.QueryRowContext(ctx,
		`SELECT reason FROM `+history.Table+` WHERE event = ?`, string(history.EventRestartDenied)).Scan(&reason))
	assert.Equal(t, "exhausted", reason)
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventMaintenanceEnter, OccurredAt: time.Now(), Record: history.Record{Name: "x"}}))
	n, err := sink.Count(ctx, history.EventMaintenanceEnter)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
