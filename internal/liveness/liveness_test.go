package liveness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// whole-second instants keep float epoch arithmetic exact at the boundary
var t0 = time.Unix(1_700_000_000, 0)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "bot_heartbeat.json"))
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	s := newStore(t)
	now := time.Unix(1_700_000_123, 456_789_000)
	require.NoError(t, s.Write(now))

	rec, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, EpochSeconds(now), rec.Timestamp)
	assert.Equal(t, StatusAlive, rec.Status)
	assert.Equal(t, now.Format(time.RFC3339Nano), rec.LastHeartbeat)
}

func TestWriteOverwritesWholesale(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Write(t0))
	require.NoError(t, s.Write(t0.Add(42*time.Second)))

	rec, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, EpochSeconds(t0.Add(42*time.Second)), rec.Timestamp)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(s.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadDistinguishesFailureKinds(t *testing.T) {
	s := newStore(t)

	_, err := s.Read()
	assert.True(t, errors.Is(err, ErrAbsent), "got %v", err)

	require.NoError(t, os.WriteFile(s.Path, []byte("{not json"), 0o600))
	_, err = s.Read()
	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)

	require.NoError(t, os.WriteFile(s.Path, []byte(`{"status":"alive"}`), 0o600))
	_, err = s.Read()
	assert.True(t, errors.Is(err, ErrMalformed), "missing timestamp should be malformed, got %v", err)

	// a directory at the path is an I/O failure, neither absent nor malformed
	dir := filepath.Join(t.TempDir(), "is-a-dir")
	require.NoError(t, os.Mkdir(dir, 0o750))
	_, err = NewStore(dir).Read()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAbsent))
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestLookupNeverFails(t *testing.T) {
	s := newStore(t)
	_, ok := s.Lookup()
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(s.Path, []byte("garbage"), 0o600))
	_, ok = s.Lookup()
	assert.False(t, ok)

	require.NoError(t, s.Write(t0))
	rec, ok := s.Lookup()
	assert.True(t, ok)
	assert.Equal(t, EpochSeconds(t0), rec.Timestamp)
}

func TestIsStaleMissingRecord(t *testing.T) {
	s := newStore(t)
	assert.True(t, s.IsStale(t0, DefaultMaxSilence))
}

func TestIsStaleBoundary(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Write(t0))
	maxSilence := 300 * time.Second

	assert.False(t, s.IsStale(t0, maxSilence))
	assert.False(t, s.IsStale(t0.Add(299*time.Second), maxSilence))
	assert.False(t, s.IsStale(t0.Add(maxSilence), maxSilence), "exactly maxSilence is still fresh")
	assert.True(t, s.IsStale(t0.Add(maxSilence+time.Second), maxSilence))
	assert.True(t, s.IsStale(t0.Add(maxSilence+time.Millisecond), maxSilence))
}

func TestStaleDefaultsMaxSilence(t *testing.T) {
	rec := NewRecord(t0)
	assert.False(t, Stale(rec, true, t0.Add(DefaultMaxSilence), 0))
	assert.True(t, Stale(rec, true, t0.Add(DefaultMaxSilence+time.Second), 0))
}

func TestRecordAge(t *testing.T) {
	rec := NewRecord(t0)
	assert.Equal(t, 90*time.Second, rec.Age(t0.Add(90*time.Second)))
}

func TestBeatSwallowsWriteFailure(t *testing.T) {
	// parent is a regular file so MkdirAll fails
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0o600))
	s := NewStore(filepath.Join(parent, "hb.json"))
	assert.NotPanics(t, s.Beat)
}

func TestBeaterWritesImmediatelyAndStops(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewBeater(s, 10*time.Millisecond).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := s.Read()
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("beater did not stop after cancel")
	}
}
