package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/jwoglom/wasmgw/pkg/gwerrors"
)

// Commands understood by the gateway
const (
	CmdDeploy         = "deploy"
	CmdStart          = "start"
	CmdStop           = "stop"
	CmdStatus         = "status"
	CmdBuildAndDeploy = "build_and_deploy"
)

// Request is one client request
type Request struct {
	Device string `json:"device"`
	Cmd    string `json:"cmd"`

	ModuleID string `json:"module_id,omitempty"`

	// start
	FuncName   string `json:"func_name,omitempty"`
	FuncArgs   string `json:"func_args,omitempty"`
	WaitResult bool   `json:"wait_result,omitempty"`

	// start, stop: seconds, defaults to the configured result timeout
	ResultTimeout *float64 `json:"result_timeout,omitempty"`

	// deploy
	WasmPath string `json:"wasm_path,omitempty"`

	// build_and_deploy
	SourcePath string `json:"source_path,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// resultTimeout returns the requested result timeout or def
func (r *Request) resultTimeout(def time.Duration) (time.Duration, error) {
	if r.ResultTimeout == nil {
		return def, nil
	}
	secs := *r.ResultTimeout
	if secs <= 0 || math.IsNaN(secs) {
		return 0, gwerrors.Validation("invalid result_timeout: %v (must be positive)", secs)
	}
	d := secs * float64(time.Second)
	if d >= math.MaxInt64 {
		return 0, gwerrors.Validation("invalid result_timeout: %v (too large)", secs)
	}
	return time.Duration(d), nil
}

// Reply is the answer to one request
type Reply struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`

	// build_and_deploy
	Step     string `json:"step,omitempty"`
	WasmPath string `json:"wasm_path,omitempty"`
	AOTPath  string `json:"aot_path,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// ErrorReply creates a failed reply from err. Build diagnostics are copied
// through unchanged.
func ErrorReply(err error) *Reply {
	r := &Reply{}
	r.fail(err)
	return r
}

func (r *Reply) fail(err error) {
	r.OK = false
	r.Detail = ""
	r.Error = err.Error()

	var ge *gwerrors.Error
	if errors.As(err, &ge) && ge.Kind == gwerrors.KindBuild {
		r.Step = ge.Step
		r.Stdout = ge.Stdout
		r.Stderr = ge.Stderr
	}
}

// DecodeRequest parses one JSON request. Surrounding whitespace is ignored.
func DecodeRequest(data []byte) (*Request, error) {
	data = bytes.TrimSpace(data)

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, gwerrors.Validation("invalid json: %v", err)
	}
	return &req, nil
}

// EncodeReply serializes a reply as one newline terminated JSON line
func EncodeReply(reply *Reply) ([]byte, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
