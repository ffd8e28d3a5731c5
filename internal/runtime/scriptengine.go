package runtime

import (
	"fmt"
	"strconv"
	"strings"
)

// ScriptEngine is a reference Runtime implementation: code is a
// newline-separated sequence of instructions operating on named fd
// registers and one shared read buffer, enough to express the kind of
// open/read/write/close loop a real guest program runs. It exists as a
// concrete, testable stand-in for the bytecode/WASM/script engines the
// core treats as external; it is not meant to be a guest language of its
// own.
//
// Instructions: "open LABEL ENDPOINT_ID", "read LABEL N", "write LABEL",
// "close LABEL", "stop". Each on_loop call runs the script from the top;
// "stop" ends the guest (Done), while reaching the end of the script
// without one asks to run again at the next tick (Continue).
type ScriptEngine struct{}

// NewScriptEngine returns the reference engine. It is not registered
// anywhere by default; callers register it under the runtime_type of their
// choice.
func NewScriptEngine() *ScriptEngine { return &ScriptEngine{} }

type scriptHandle struct {
	lines   []string
	pc      int
	fds     map[string]int32
	buf     []byte
	natives Natives
}

func (e *ScriptEngine) Create(data, code []byte, natives Natives) (Handle, error) {
	text := strings.TrimSpace(string(code))
	var lines []string
	if text != "" {
		lines = strings.Split(text, "\n")
	}
	return &scriptHandle{lines: lines, fds: make(map[string]int32), natives: natives}, nil
}

func (e *ScriptEngine) OnStart(h Handle) error {
	sh := h.(*scriptHandle)
	sh.natives.Log("script engine starting")
	return nil
}

func (e *ScriptEngine) OnLoop(h Handle) (LoopResult, error) {
	sh := h.(*scriptHandle)
	for sh.pc < len(sh.lines) {
		line := strings.TrimSpace(sh.lines[sh.pc])
		sh.pc++
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		result, err := sh.exec(fields)
		if err != nil || result == Done {
			return result, err
		}
	}
	sh.pc = 0
	return Continue, nil
}

func (sh *scriptHandle) exec(fields []string) (LoopResult, error) {
	switch fields[0] {
	case "open":
		label, id := fields[1], fields[2]
		endpointID, err := strconv.Atoi(id)
		if err != nil {
			return -1, fmt.Errorf("runtime: bad endpoint id %q: %w", id, err)
		}
		fd, err := sh.natives.Open(uint32(endpointID))
		if err != nil {
			return -1, err
		}
		sh.fds[label] = fd
		return Continue, nil

	case "read":
		label, nStr := fields[1], fields[2]
		n, err := strconv.Atoi(nStr)
		if err != nil {
			return -1, fmt.Errorf("runtime: bad read size %q: %w", nStr, err)
		}
		fd, ok := sh.fds[label]
		if !ok {
			return -1, fmt.Errorf("runtime: unknown fd label %q", label)
		}
		buf, err := sh.natives.Read(fd, n)
		if err != nil {
			return -1, err
		}
		sh.buf = buf
		return Continue, nil

	case "write":
		label := fields[1]
		fd, ok := sh.fds[label]
		if !ok {
			return -1, fmt.Errorf("runtime: unknown fd label %q", label)
		}
		if _, err := sh.natives.Write(fd, sh.buf); err != nil {
			return -1, err
		}
		return Continue, nil

	case "close":
		label := fields[1]
		fd, ok := sh.fds[label]
		if !ok {
			return -1, fmt.Errorf("runtime: unknown fd label %q", label)
		}
		if err := sh.natives.Close(fd); err != nil {
			return -1, err
		}
		delete(sh.fds, label)
		return Continue, nil

	case "stop":
		return Done, nil

	default:
		return -1, fmt.Errorf("runtime: unknown instruction %q", fields[0])
	}
}

func (e *ScriptEngine) OnStop(h Handle) error {
	sh := h.(*scriptHandle)
	sh.natives.Log("script engine stopping")
	return nil
}

func (e *ScriptEngine) OnFinalize(h Handle) error { return nil }
