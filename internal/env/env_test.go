package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeLayersAndExpands(t *testing.T) {
	e := &Env{base: Vars{"HOME": "/home/bot", "MODE": "os"}}
	e.Set("MODE", "config")
	e.Set("DATA", "${HOME}/data")

	out := e.Merge([]string{"MODE=worker", "LOG=${DATA}/log", "=skip", "bad"})
	assert.Equal(t, []string{
		"DATA=/home/bot/data",
		"HOME=/home/bot",
		"LOG=${HOME}/data/log", // expansion is single-pass
		"MODE=worker",
	}, out)
}

func TestExpandUnknownAndUnterminated(t *testing.T) {
	m := Vars{"A": "1"}
	assert.Equal(t, "1-${B}", expand("${A}-${B}", m))
	assert.Equal(t, "x${A", expand("x${A", m))
	assert.Equal(t, "plain", expand("plain", m))
}

func TestMergeUsesOS(t *testing.T) {
	t.Setenv("WATCHDOG_ENV_TEST", "yes")
	out := New().Merge(nil)
	assert.Contains(t, out, "WATCHDOG_ENV_TEST=yes")
}

func TestGate(t *testing.T) {
	present := func(string) (string, bool) { return "", true }
	absent := func(string) (string, bool) { return "", false }

	assert.True(t, Gate{lookup: present}.Detect(), "empty value still counts")
	assert.False(t, Gate{lookup: absent}.Detect())

	t.Setenv("MY_PLATFORM", "1")
	assert.True(t, Gate{Indicator: "MY_PLATFORM"}.Detect())
	assert.Contains(t, Gate{}.Guidance(), "RENDER")
}
