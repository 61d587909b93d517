package gateway

import (
	"context"

	"github.com/jwoglom/wasmgw/pkg/build"
	"github.com/jwoglom/wasmgw/pkg/gwerrors"
	"github.com/jwoglom/wasmgw/pkg/protocol"
)

func requireField(name, value string) error {
	if value == "" {
		return gwerrors.Validation("missing field: %s", name)
	}
	return nil
}

// deployHandler loads a module file from the gateway filesystem onto the device
type deployHandler struct{}

func (h *deployHandler) Command() string { return CmdDeploy }

func (h *deployHandler) Handle(ctx context.Context, call *Call) (*Reply, error) {
	req := call.Request
	if err := requireField("module_id", req.ModuleID); err != nil {
		return nil, err
	}
	if err := requireField("wasm_path", req.WasmPath); err != nil {
		return nil, err
	}

	m, err := protocol.LoadModuleFile(req.ModuleID, req.WasmPath)
	if err != nil {
		return nil, err
	}

	call.Logger.Infof("Deploying %s (%d bytes, crc32=%s)", req.WasmPath, m.Size(), m.ChecksumHex())
	detail, err := call.Engine.Load(call.Endpoint, m)
	if err != nil {
		return nil, err
	}
	return &Reply{Detail: detail}, nil
}

type startHandler struct{}

func (h *startHandler) Command() string { return CmdStart }

func (h *startHandler) Handle(ctx context.Context, call *Call) (*Reply, error) {
	req := call.Request
	if err := requireField("module_id", req.ModuleID); err != nil {
		return nil, err
	}
	if err := requireField("func_name", req.FuncName); err != nil {
		return nil, err
	}
	timeout, err := req.resultTimeout(call.ResultTimeout)
	if err != nil {
		return nil, err
	}

	detail, err := call.Engine.Start(call.Endpoint, protocol.StartParams{
		ModuleID:      req.ModuleID,
		Func:          req.FuncName,
		Args:          req.FuncArgs,
		WaitResult:    req.WaitResult,
		ResultTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Reply{Detail: detail}, nil
}

type stopHandler struct{}

func (h *stopHandler) Command() string { return CmdStop }

func (h *stopHandler) Handle(ctx context.Context, call *Call) (*Reply, error) {
	req := call.Request
	if err := requireField("module_id", req.ModuleID); err != nil {
		return nil, err
	}
	timeout, err := req.resultTimeout(call.ResultTimeout)
	if err != nil {
		return nil, err
	}

	detail, err := call.Engine.Stop(call.Endpoint, req.ModuleID, timeout)
	if err != nil {
		return nil, err
	}
	return &Reply{Detail: detail}, nil
}

type statusHandler struct{}

func (h *statusHandler) Command() string { return CmdStatus }

func (h *statusHandler) Handle(ctx context.Context, call *Call) (*Reply, error) {
	detail, err := call.Engine.Status(call.Endpoint)
	if err != nil {
		return nil, err
	}
	return &Reply{Detail: detail}, nil
}

// buildAndDeployHandler compiles a C source on the gateway and deploys the result
type buildAndDeployHandler struct {
	pipeline *build.Pipeline
}

func (h *buildAndDeployHandler) Command() string { return CmdBuildAndDeploy }

func (h *buildAndDeployHandler) Handle(ctx context.Context, call *Call) (*Reply, error) {
	req := call.Request
	if err := protocol.CheckModuleName(req.ModuleID); err != nil {
		return nil, err
	}
	if err := requireField("source_path", req.SourcePath); err != nil {
		return nil, err
	}
	mode, err := build.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	out, cleanup, err := h.pipeline.Build(ctx, req.ModuleID, req.SourcePath, mode)
	defer cleanup()
	if err != nil {
		return nil, err
	}

	reply := &Reply{
		Step:     build.StepDeploy,
		WasmPath: out.WasmPath,
		AOTPath:  out.AOTPath,
	}

	m, err := protocol.LoadModuleFile(req.ModuleID, out.Artifact)
	if err != nil {
		return reply, err
	}

	call.Logger.Infof("Deploying built %s module (%d bytes)", mode, m.Size())
	detail, err := call.Engine.Load(call.Endpoint, m)
	if err != nil {
		return reply, err
	}
	reply.Detail = detail
	return reply, nil
}
