package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScript(t *testing.T) {
	cmds, err := ParseScript("0:write_ratio=0;2s:write_ratio=1")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, ScriptCommand{Time: 0, Command: "write_ratio=0"}, cmds[0])
	assert.Equal(t, ScriptCommand{Time: 2, Command: "write_ratio=1"}, cmds[1])
}

func TestParseScriptMinutes(t *testing.T) {
	cmds, err := ParseScript("2m:iodepth=8;30:stop")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, uint64(120), cmds[0].Time)
	assert.Equal(t, uint64(30), cmds[1].Time)
	assert.Equal(t, "stop", cmds[1].Command)
}

func TestParseScriptEmpty(t *testing.T) {
	cmds, err := ParseScript("")
	require.NoError(t, err)
	assert.Nil(t, cmds)
}

func TestParseScriptInvalid(t *testing.T) {
	_, err := ParseScript("nonsense")
	assert.Error(t, err)

	_, err = ParseScript("xx:stop")
	assert.Error(t, err)

	_, err = ParseScript("5h:stop")
	assert.Error(t, err)
}
