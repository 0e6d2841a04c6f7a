package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/watchdog"
	"github.com/loykin/watchdog/internal/degrade"
	"github.com/loykin/watchdog/internal/liveness"
	"github.com/loykin/watchdog/internal/server"
	"github.com/loykin/watchdog/internal/supervisor"
)

func writeTOML(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "watchdog.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestBuildRootCommands(t *testing.T) {
	root := buildRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "beat", "check", "status", "classify", "hash-token"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		flags ClassifyFlags
		want  string
	}{
		{ClassifyFlags{Status: 429, Message: "Too Many Requests"}, "trigger_degradation"},
		{ClassifyFlags{Status: 429, Message: "slow down"}, "soft_throttle"},
		{ClassifyFlags{Status: 403, Message: "forbidden"}, "ignore"},
		{ClassifyFlags{Message: "cloudflare 1015"}, "trigger_degradation"},
	}
	for _, c := range cases {
		var out bytes.Buffer
		require.NoError(t, runClassify(c.flags, &out))
		assert.Equal(t, c.want, strings.TrimSpace(out.String()), "%+v", c.flags)
	}
	assert.Error(t, runClassify(ClassifyFlags{}, &bytes.Buffer{}))
}

func TestClassifyCommandArgs(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"classify", "--status=429", "rate limited"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "trigger_degradation", strings.TrimSpace(out.String()))
}

func TestBeatOnceThenCheck(t *testing.T) {
	p := filepath.Join(t.TempDir(), "heartbeat.json")

	var out bytes.Buffer
	err := runCheck(context.Background(), "", CheckFlags{Path: p}, &out)
	assert.ErrorIs(t, err, errNotAlive)
	assert.Contains(t, out.String(), "No liveness record found")

	require.NoError(t, runBeat(context.Background(), "", BeatFlags{Path: p}, &bytes.Buffer{}))
	_, ok := liveness.NewStore(p).Lookup()
	require.True(t, ok)

	out.Reset()
	require.NoError(t, runCheck(context.Background(), "", CheckFlags{Path: p}, &out))
	assert.Contains(t, out.String(), "Worker heartbeat OK")
}

func TestCheckStale(t *testing.T) {
	p := filepath.Join(t.TempDir(), "heartbeat.json")
	require.NoError(t, liveness.NewStore(p).Write(time.Now().Add(-10*time.Minute)))

	var out bytes.Buffer
	err := runCheck(context.Background(), "", CheckFlags{Path: p, MaxSilence: time.Minute}, &out)
	assert.ErrorIs(t, err, errNotAlive)
	assert.Contains(t, out.String(), "stale")
}

func TestCheckWatchStopsOnCancel(t *testing.T) {
	p := filepath.Join(t.TempDir(), "heartbeat.json")
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, runCheck(ctx, "", CheckFlags{Path: p, Watch: true, Interval: 20 * time.Millisecond}, &out))
	assert.Contains(t, out.String(), "manual restart")
}

func TestBeatEveryStopsOnCancel(t *testing.T) {
	p := filepath.Join(t.TempDir(), "heartbeat.json")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, runBeat(ctx, "", BeatFlags{Path: p, Every: 10 * time.Millisecond}, &bytes.Buffer{}))
	_, ok := liveness.NewStore(p).Lookup()
	assert.True(t, ok)
}

func TestRunGateClosed(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTOML(t, dir, `
[environment]
indicator = "WATCHDOG_TEST_GATE_NEVER_SET"

[log.file]
path = "`+filepath.ToSlash(filepath.Join(dir, "production.log"))+`"
`)
	var stdout bytes.Buffer
	require.NoError(t, runSupervisor(context.Background(), cfgPath, RunFlags{}, &stdout, &bytes.Buffer{}))
	assert.Contains(t, stdout.String(), "WATCHDOG_TEST_GATE_NEVER_SET is not set")
	_, err := os.Stat(filepath.Join(dir, "production.log"))
	assert.True(t, os.IsNotExist(err), "nothing is started outside production")
}

func TestRunGateClosedWithBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WATCHDOG_ENVIRONMENT_INDICATOR", "WATCHDOG_TEST_GATE_NEVER_SET")

	var stdout bytes.Buffer
	missing := filepath.Join(dir, "missing.toml")
	require.NoError(t, runSupervisor(context.Background(), missing, RunFlags{}, &stdout, &bytes.Buffer{}))
	assert.Contains(t, stdout.String(), "WATCHDOG_TEST_GATE_NEVER_SET is not set")

	stdout.Reset()
	invalid := writeTOML(t, dir, "[worker]\ncommand = \" \"\n")
	require.NoError(t, runSupervisor(context.Background(), invalid, RunFlags{}, &stdout, &bytes.Buffer{}))
	assert.Contains(t, stdout.String(), "WATCHDOG_TEST_GATE_NEVER_SET is not set")
}

func TestRunBrokenConfigInProduction(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WATCHDOG_TEST_GATE_OPEN", "1")
	t.Setenv("WATCHDOG_ENVIRONMENT_INDICATOR", "WATCHDOG_TEST_GATE_OPEN")

	err := runSupervisor(context.Background(), filepath.Join(dir, "missing.toml"), RunFlags{}, &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")

	err = runSupervisor(context.Background(), filepath.Join(dir, "missing.toml"), RunFlags{SkipEnvCheck: true}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRunStartupFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix shell")
	}
	dir := t.TempDir()
	cfgPath := writeTOML(t, dir, `
[worker]
command = "/nonexistent/worker-binary"

[liveness]
path = "`+filepath.ToSlash(filepath.Join(dir, "hb.json"))+`"

[log.file]
path = "`+filepath.ToSlash(filepath.Join(dir, "production.log"))+`"
`)
	err := runSupervisor(context.Background(), cfgPath, RunFlags{SkipEnvCheck: true}, &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, watchdog.ErrStartup))
}

type fakeStatus struct{ st supervisor.Status }

func (f fakeStatus) Status(context.Context, time.Time) supervisor.Status { return f.st }

func startAPI(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	age := 12.5
	pol := degrade.New(degrade.Options{Name: "cli-status"})
	h := server.NewRouter(server.Options{
		Supervisor: fakeStatus{st: supervisor.Status{
			Name: "shopbot", State: "running", Running: true, PID: 321, RunID: "abc",
			StartedAt: &started,
			Liveness:  supervisor.LivenessStatus{Present: true, AgeSeconds: &age},
		}},
		Degradation: pol,
		BasePath:    "/api",
	}).Handler()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts.URL + "/api"
}

func TestStatusOutputs(t *testing.T) {
	url := startAPI(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runStatus(ctx, "", StatusFlags{APIUrl: url, APITimeout: time.Second, Output: "table"}, &out))
	s := out.String()
	assert.Contains(t, s, "shopbot")
	assert.Contains(t, s, "321")
	assert.Contains(t, s, "fresh (12.5s ago)")
	assert.Contains(t, s, "normal")

	out.Reset()
	require.NoError(t, runStatus(ctx, "", StatusFlags{APIUrl: url, APITimeout: time.Second, Output: "json"}, &out))
	assert.Contains(t, out.String(), `"run_id": "abc"`)

	out.Reset()
	require.NoError(t, runStatus(ctx, "", StatusFlags{APIUrl: url, APITimeout: time.Second, Output: "yaml"}, &out))
	assert.Contains(t, out.String(), "name: shopbot")
	assert.Contains(t, out.String(), "mode: normal")

	assert.Error(t, runStatus(ctx, "", StatusFlags{APIUrl: url, APITimeout: time.Second, Output: "xml"}, &out))
}

func TestStatusUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()
	err := runStatus(context.Background(), "", StatusFlags{APIUrl: url, APITimeout: 200 * time.Millisecond}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestHashToken(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runHashToken("s3cret", &out))
	assert.True(t, strings.HasPrefix(out.String(), "$2"))
	assert.Error(t, runHashToken(" ", &out))
}

func TestCheckWatchSchedule(t *testing.T) {
	p := filepath.Join(t.TempDir(), "heartbeat.json")
	require.NoError(t, liveness.NewStore(p).Write(time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, runCheck(ctx, "", CheckFlags{Path: p, Watch: true, Schedule: "@every 1h"}, &out))
	assert.Contains(t, out.String(), "Worker heartbeat OK")

	err := runCheck(context.Background(), "", CheckFlags{Path: p, Watch: true, Schedule: "not a schedule"}, &out)
	assert.Error(t, err)
}
