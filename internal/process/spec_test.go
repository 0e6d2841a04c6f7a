package process

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Name: "bot", Command: "sh -c 'echo hi'"}.BuildCommand()
	require.Len(t, cmd.Args, 3)
	assert.Equal(t, "/bin/sh", cmd.Args[0])
	assert.Equal(t, "-c", cmd.Args[1])
	assert.Equal(t, "echo hi", cmd.Args[2])
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Command: "python3 bot.py > out.log"}.BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "python3 bot.py > out.log"}, cmd.Args)
}

func TestBuildCommand_PlainArgv(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Command: "  python3   shopbot.py --prod "}.BuildCommand()
	assert.Equal(t, []string{"python3", "shopbot.py", "--prod"}, cmd.Args)

	cmd = Spec{}.BuildCommand()
	assert.Equal(t, "/bin/true", cmd.Path)
}

func TestParseExplicitShell(t *testing.T) {
	script, ok := parseExplicitShell(`/bin/sh -c "a && b"`)
	assert.True(t, ok)
	assert.Equal(t, "a && b", script)

	_, ok = parseExplicitShell("bash -c x")
	assert.False(t, ok)
}

func TestSpecValidate(t *testing.T) {
	assert.NoError(t, Spec{Name: "bot", Command: "python3 shopbot.py"}.Validate())
	assert.ErrorContains(t, Spec{Name: "  ", Command: "x"}.Validate(), "name")
	assert.ErrorContains(t, Spec{Name: "bot"}.Validate(), "command")
}
