package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jwoglom/wasmgw/pkg/gwerrors"

	log "github.com/sirupsen/logrus"
)

// Build steps as reported to clients
const (
	StepCompileWasm = "compile_wasm"
	StepCompileAOT  = "compile_aot"
	StepDeploy      = "deploy"
)

// Compiler turns C sources into modules the agent can load
type Compiler interface {
	// CompileToPortable compiles a C source file into a WebAssembly module
	CompileToPortable(ctx context.Context, source, out string) error

	// CompileToNative compiles a WebAssembly module into an AOT image for the target MCU
	CompileToNative(ctx context.Context, portable, out string) error
}

// Toolchain runs clang and wamrc
type Toolchain struct {
	ClangCmd   string
	WasmTarget string

	WamrcCmd  string
	AOTTarget string
	AOTCPU    string
	AOTABI    string
}

// NewToolchain creates a toolchain for a Cortex-M4 target
func NewToolchain(clangCmd, wamrcCmd string) *Toolchain {
	return &Toolchain{
		ClangCmd:   clangCmd,
		WasmTarget: "wasm32-unknown-unknown",
		WamrcCmd:   wamrcCmd,
		AOTTarget:  "thumbv7em",
		AOTCPU:     "cortex-m4",
		AOTABI:     "gnu",
	}
}

// WasmArgs returns the clang arguments for a freestanding 64 KiB module
func (t *Toolchain) WasmArgs(source, out string) []string {
	return []string{
		"--target=" + t.WasmTarget,
		"-O3",
		"-nostdlib",
		"-Wl,--no-entry",
		"-Wl,--initial-memory=65536",
		"-Wl,--max-memory=65536",
		"-Wl,--stack-first",
		"-Wl,-z,stack-size=2048",
		source,
		"-o",
		out,
	}
}

// AOTArgs returns the wamrc arguments
func (t *Toolchain) AOTArgs(portable, out string) []string {
	return []string{
		"--target=" + t.AOTTarget,
		"--cpu=" + t.AOTCPU,
		"--target-abi=" + t.AOTABI,
		"-o", out,
		portable,
	}
}

// CompileToPortable runs clang
func (t *Toolchain) CompileToPortable(ctx context.Context, source, out string) error {
	return run(ctx, StepCompileWasm, "C to wasm compilation failed", t.ClangCmd, t.WasmArgs(source, out))
}

// CompileToNative runs wamrc
func (t *Toolchain) CompileToNative(ctx context.Context, portable, out string) error {
	return run(ctx, StepCompileAOT, "wasm to AOT compilation failed", t.WamrcCmd, t.AOTArgs(portable, out))
}

// run executes one build tool, returning a build error with its output on failure
func run(ctx context.Context, step, failure, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("Executing %s: %s %s", step, name, strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%s: %w", err, ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && ctx.Err() == nil {
			// the tool could not be started at all
			failure = fmt.Sprintf("%s: %v", failure, err)
		}
		log.Debugf("%s failed: %v\nStderr: %s", step, err, stderr.String())
		return gwerrors.Build(step, failure, stdout.String(), stderr.String(), err)
	}

	log.Tracef("%s output: %s", step, stdout.String())
	return nil
}
