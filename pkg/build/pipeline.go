package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwoglom/wasmgw/pkg/gwerrors"
	"github.com/jwoglom/wasmgw/pkg/metrics"

	log "github.com/sirupsen/logrus"
)

// Mode selects the artifact that gets deployed
type Mode string

const (
	// ModeWasm deploys the WebAssembly module
	ModeWasm Mode = "wasm"
	// ModeAOT compiles the module further and deploys the AOT image
	ModeAOT Mode = "aot"
)

// ParseMode validates a mode name. An empty name selects ModeWasm.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeWasm:
		return ModeWasm, nil
	case ModeAOT:
		return ModeAOT, nil
	}
	return "", gwerrors.Validation("invalid mode: %s (must be wasm or aot)", s)
}

// Output describes the artifacts of one build
type Output struct {
	WasmPath string
	AOTPath  string

	// Artifact is the path that gets deployed
	Artifact string

	// Dir is the per-build workspace
	Dir string
}

// Pipeline runs the compile stages in a fresh workspace per build
type Pipeline struct {
	compiler      Compiler
	workDir       string
	keepArtifacts bool
	timeout       time.Duration
	metrics       *metrics.Metrics
}

// NewPipeline creates a pipeline. Workspaces are created below workDir.
func NewPipeline(compiler Compiler, workDir string, keepArtifacts bool, timeout time.Duration) *Pipeline {
	return &Pipeline{
		compiler:      compiler,
		workDir:       workDir,
		keepArtifacts: keepArtifacts,
		timeout:       timeout,
	}
}

// SetMetrics sets the collectors build durations are recorded in
func (p *Pipeline) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Build compiles source for mode. The returned cleanup removes the
// workspace and must be called once the artifact has been deployed; it
// is never nil, even on error.
func (p *Pipeline) Build(ctx context.Context, moduleID, source string, mode Mode) (*Output, func(), error) {
	noop := func() {}

	abs, err := filepath.Abs(source)
	if err != nil {
		abs = source
	}
	if info, err := os.Stat(abs); err != nil || !info.Mode().IsRegular() {
		return nil, noop, gwerrors.Validation("source not found: %s", abs)
	}

	if err := os.MkdirAll(p.workDir, 0o755); err != nil {
		return nil, noop, fmt.Errorf("failed to create work dir: %w", err)
	}
	dir := filepath.Join(p.workDir, fmt.Sprintf("%s-%s", moduleID, uuid.New().String()))
	if !within(p.workDir, dir) {
		return nil, noop, gwerrors.Validation("invalid module_id: %s escapes the work dir", moduleID)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, noop, fmt.Errorf("failed to create build workspace: %w", err)
	}

	cleanup := func() {
		if p.keepArtifacts {
			log.Debugf("Keeping build artifacts in %s", dir)
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("Could not remove build workspace %s: %v", dir, err)
		}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := p.stages(ctx, moduleID, abs, dir, mode)
	p.metrics.RecordBuild(string(mode), err == nil, time.Since(start))
	if err != nil {
		cleanup()
		return nil, noop, err
	}

	log.Infof("Built %s (%s) in %v", out.Artifact, mode, time.Since(start))
	return out, cleanup, nil
}

func (p *Pipeline) stages(ctx context.Context, moduleID, source, dir string, mode Mode) (*Output, error) {
	out := &Output{
		WasmPath: filepath.Join(dir, moduleID+".wasm"),
		Dir:      dir,
	}
	if mode == ModeAOT {
		out.AOTPath = filepath.Join(dir, moduleID+".aot")
	}
	for _, path := range []string{out.WasmPath, out.AOTPath} {
		if path != "" && !within(dir, path) {
			return nil, gwerrors.Validation("invalid module_id: %s escapes the build workspace", moduleID)
		}
	}

	if err := p.compiler.CompileToPortable(ctx, source, out.WasmPath); err != nil {
		return nil, err
	}
	out.Artifact = out.WasmPath

	if mode == ModeAOT {
		if err := p.compiler.CompileToNative(ctx, out.WasmPath, out.AOTPath); err != nil {
			return nil, err
		}
		out.Artifact = out.AOTPath
	}

	return out, nil
}

// within reports whether path lies strictly below base
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
