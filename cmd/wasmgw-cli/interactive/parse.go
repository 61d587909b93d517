package interactive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jwoglom/wasmgw/pkg/gateway"
)

// ParseRequest turns command words into a gateway request for device.
//
//	status
//	deploy <module_id> <wasm_path>
//	build  <module_id> <source_path> [wasm|aot]
//	start  <module_id> <func> [k=v,...] [wait] [timeout=<secs>]
//	stop   <module_id> [timeout=<secs>]
func ParseRequest(device string, words []string) (*gateway.Request, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	if device == "" {
		return nil, fmt.Errorf("no device selected")
	}

	cmd, args := strings.ToLower(words[0]), words[1:]
	req := &gateway.Request{Device: device}

	switch cmd {
	case "status":
		req.Cmd = gateway.CmdStatus

	case "deploy":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: deploy <module_id> <wasm_path>")
		}
		req.Cmd = gateway.CmdDeploy
		req.ModuleID, req.WasmPath = args[0], args[1]

	case "build", "build_and_deploy":
		if len(args) < 2 || len(args) > 3 {
			return nil, fmt.Errorf("usage: build <module_id> <source_path> [wasm|aot]")
		}
		req.Cmd = gateway.CmdBuildAndDeploy
		req.ModuleID, req.SourcePath = args[0], args[1]
		if len(args) == 3 {
			req.Mode = args[2]
		}

	case "start":
		if len(args) < 2 {
			return nil, fmt.Errorf("usage: start <module_id> <func> [k=v,...] [wait] [timeout=<secs>]")
		}
		req.Cmd = gateway.CmdStart
		req.ModuleID, req.FuncName = args[0], args[1]
		for _, a := range args[2:] {
			switch {
			case a == "wait" || a == "-w" || a == "--wait":
				req.WaitResult = true
			case strings.HasPrefix(a, "timeout="):
				t, err := parseTimeout(a)
				if err != nil {
					return nil, err
				}
				req.ResultTimeout = &t
			case req.FuncArgs == "":
				req.FuncArgs = a
			default:
				return nil, fmt.Errorf("unexpected argument: %s", a)
			}
		}

	case "stop":
		if len(args) < 1 || len(args) > 2 {
			return nil, fmt.Errorf("usage: stop <module_id> [timeout=<secs>]")
		}
		req.Cmd = gateway.CmdStop
		req.ModuleID = args[0]
		if len(args) == 2 {
			t, err := parseTimeout(args[1])
			if err != nil {
				return nil, err
			}
			req.ResultTimeout = &t
		}

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd)
	}

	return req, nil
}

func parseTimeout(a string) (float64, error) {
	v, ok := strings.CutPrefix(a, "timeout=")
	if !ok {
		return 0, fmt.Errorf("expected timeout=<secs>, got %s", a)
	}
	t, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout: %s", v)
	}
	return t, nil
}

// FormatReply renders a reply for the terminal
func FormatReply(reply *gateway.Reply) string {
	var b strings.Builder
	if reply.OK {
		b.WriteString("OK")
		if reply.Detail != "" {
			b.WriteString("  " + reply.Detail)
		}
	} else {
		b.WriteString("FAILED  " + reply.Error)
	}

	if reply.Step != "" {
		fmt.Fprintf(&b, "\n  step:     %s", reply.Step)
	}
	if reply.WasmPath != "" {
		fmt.Fprintf(&b, "\n  wasm:     %s", reply.WasmPath)
	}
	if reply.AOTPath != "" {
		fmt.Fprintf(&b, "\n  aot:      %s", reply.AOTPath)
	}
	if s := strings.TrimSpace(reply.Stdout); s != "" {
		fmt.Fprintf(&b, "\n  stdout:\n%s", indent(s))
	}
	if s := strings.TrimSpace(reply.Stderr); s != "" {
		fmt.Fprintf(&b, "\n  stderr:\n%s", indent(s))
	}
	return b.String()
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}
