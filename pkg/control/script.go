package control

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ScriptCommand is one scheduled entry of a command script: run command at
// Time seconds from start.
type ScriptCommand struct {
	Time    uint64
	Command string
}

var scriptTimeRe = regexp.MustCompile(`^([0-9]+)([sm]?)$`)

// ParseScript parses a "time1:cmd1[;time2:cmd2...]" command script. Times
// are N[sm]; the default unit is seconds and "m" multiplies by 60.
func ParseScript(script string) ([]ScriptCommand, error) {
	if script == "" {
		return nil, nil
	}
	var out []ScriptCommand
	for _, item := range strings.Split(script, ";") {
		timeStr, cmd, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid command in command_script: %q", item)
		}
		m := scriptTimeRe.FindStringSubmatch(strings.TrimSpace(timeStr))
		if m == nil {
			return nil, fmt.Errorf("invalid time: %q", timeStr)
		}
		t, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid time: %q", timeStr)
		}
		if m[2] == "m" {
			t *= 60
		}
		out = append(out, ScriptCommand{Time: t, Command: strings.TrimSpace(cmd)})
	}
	return out, nil
}
