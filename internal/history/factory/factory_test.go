package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/watchdog/internal/history/sqlite"
)

func TestNewSinkFromDSN_SQLite(t *testing.T) {
	for _, dsn := range []string{
		"sqlite://" + filepath.Join(t.TempDir(), "a.db"),
		filepath.Join(t.TempDir(), "b.db"),
		"sqlite://:memory:",
	} {
		s, err := NewSinkFromDSN(dsn)
		require.NoError(t, err, dsn)
		_, ok := s.(*sqlite.Sink)
		assert.True(t, ok, dsn)
		_ = s.(*sqlite.Sink).Close()
	}
}

func TestNewSinkFromDSN_Errors(t *testing.T) {
	_, err := NewSinkFromDSN("")
	assert.Error(t, err)
	_, err = NewSinkFromDSN("invalid://test")
	assert.ErrorContains(t, err, "unsupported DSN format")
}

func TestParseClickHouseDSN(t *testing.T) {
	opts, err := parseClickHouseDSN("clickhouse://ops:secret@ch:9440/metrics?table=events")
	require.NoError(t, err)
	assert.Equal(t, "ch:9440", opts.Addr)
	assert.Equal(t, "metrics", opts.Database)
	assert.Equal(t, "events", opts.Table)
	assert.Equal(t, "ops", opts.Username)
	assert.Equal(t, "secret", opts.Password)

	opts, err = parseClickHouseDSN("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", opts.Addr)
}

func TestParseAMQPDSN(t *testing.T) {
	opts, err := parseAMQPDSN("amqp://guest:guest@mq:5672/prod?exchange=ops&prefix=bot&heartbeat=10")
	require.NoError(t, err)
	assert.Equal(t, "ops", opts.Exchange)
	assert.Equal(t, "bot", opts.KeyPrefix)
	assert.Equal(t, "amqp://guest:guest@mq:5672/prod?heartbeat=10", opts.URL)
}

func TestNewSinks(t *testing.T) {
	m, err := NewSinks([]string{"sqlite://:memory:", "sqlite://:memory:"})
	require.NoError(t, err)
	assert.Len(t, m, 2)
	require.NoError(t, m.Close())

	_, err = NewSinks([]string{"sqlite://:memory:", "bogus://x"})
	assert.Error(t, err)
}
