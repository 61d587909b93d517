package client_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwoglom/wasmgw/pkg/build"
	"github.com/jwoglom/wasmgw/pkg/client"
	"github.com/jwoglom/wasmgw/pkg/config"
	"github.com/jwoglom/wasmgw/pkg/emulator"
	"github.com/jwoglom/wasmgw/pkg/gateway"
	"github.com/jwoglom/wasmgw/pkg/protocol"
	"github.com/jwoglom/wasmgw/pkg/transport"
)

// copyCompiler stands in for clang and wamrc by writing valid headers
type copyCompiler struct{}

func (copyCompiler) CompileToPortable(ctx context.Context, source, out string) error {
	return os.WriteFile(out, []byte("\x00asm\x01\x00\x00\x00"), 0o644)
}

func (copyCompiler) CompileToNative(ctx context.Context, portable, out string) error {
	return os.WriteFile(out, []byte("\x00aot\x03\x00\x00\x00"), 0o644)
}

type testbed struct {
	agent  *emulator.Agent
	emu    *emulator.Server
	client *client.Client
}

// startTestbed runs an emulated board behind a gateway on loopback ports
func startTestbed(t *testing.T) *testbed {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	agent := emulator.NewAgent(emulator.BuiltinFunctions(5 * time.Millisecond))
	emu := emulator.NewServer("127.0.0.1:0", agent)
	require.NoError(t, emu.Listen())
	emuDone := make(chan struct{})
	go func() {
		defer close(emuDone)
		emu.Serve(ctx)
	}()

	ep, err := transport.ParseEndpoint(emu.Endpoint())
	require.NoError(t, err)
	devices := config.NewDeviceTable(map[string]transport.Endpoint{"emu": ep})

	engine := protocol.NewEngine(transport.NewDialer(time.Second), protocol.Timeouts{Ack: time.Second, Status: time.Second}, protocol.NewDeviceLocks())
	pipeline := build.NewPipeline(copyCompiler{}, t.TempDir(), false, time.Minute)
	router := gateway.NewRouter(devices, engine, pipeline, 5*time.Second)

	gw := gateway.NewServer("127.0.0.1:0", router, 2*time.Second)
	require.NoError(t, gw.Listen())
	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		gw.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-gwDone
		<-emuDone
		agent.Wait()
	})

	c := client.New(gw.Addr().String())
	c.Timeout = 10 * time.Second
	return &testbed{agent: agent, emu: emu, client: c}
}

func writeModule(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "math_ops.wasm")
	require.NoError(t, os.WriteFile(path, append([]byte("\x00asm\x01\x00\x00\x00"), make([]byte, 120)...), 0o644))
	return path
}

func TestDeployAndRun(t *testing.T) {
	tb := startTestbed(t)
	ctx := context.Background()

	reply, err := tb.client.Status(ctx, "emu")
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, `STATUS_OK modules="none" runner=IDLE`, reply.Detail)

	reply, err = tb.client.Deploy(ctx, "emu", "math", writeModule(t))
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, "LOAD_OK", reply.Detail)

	reply, err = tb.client.Start(ctx, "emu", "math", "add", client.StartOptions{Args: "a=2,b=3", WaitResult: true})
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, "RESULT status=OK func=add ret_i32=5", reply.Detail)

	reply, err = tb.client.Status(ctx, "emu")
	require.NoError(t, err)
	assert.Equal(t, `STATUS_OK modules="math(loaded)" runner=IDLE`, reply.Detail)
}

func TestStartAndStop(t *testing.T) {
	tb := startTestbed(t)
	ctx := context.Background()

	reply, err := tb.client.Deploy(ctx, "emu", "blinky", writeModule(t))
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)

	reply, err = tb.client.Start(ctx, "emu", "blinky", "toggle_forever", client.StartOptions{})
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, "START_OK", reply.Detail)

	reply, err = tb.client.Start(ctx, "emu", "blinky", "blink", client.StartOptions{})
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Equal(t, "RESULT status=BUSY", reply.Error)

	reply, err = tb.client.Stop(ctx, "emu", "blinky")
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, "RESULT status=STOPPED func=toggle_forever", reply.Detail)

	reply, err = tb.client.Stop(ctx, "emu", "blinky")
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, "STOP_OK status=IDLE", reply.Detail)
}

func TestStartResultTimeout(t *testing.T) {
	tb := startTestbed(t)
	ctx := context.Background()

	reply, err := tb.client.Deploy(ctx, "emu", "blinky", writeModule(t))
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)

	reply, err = tb.client.Start(ctx, "emu", "blinky", "toggle_forever", client.StartOptions{
		WaitResult:    true,
		ResultTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "timeout waiting for RESULT")

	reply, err = tb.client.Stop(ctx, "emu", "blinky")
	require.NoError(t, err)
	assert.True(t, reply.OK, reply.Error)
}

func TestBuildAndDeploy(t *testing.T) {
	tb := startTestbed(t)
	ctx := context.Background()

	source := filepath.Join(t.TempDir(), "blink.c")
	require.NoError(t, os.WriteFile(source, []byte("void blink(void) {}\n"), 0o644))

	reply, err := tb.client.BuildAndDeploy(ctx, "emu", "blink", source, "aot")
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, "LOAD_OK", reply.Detail)
	assert.Equal(t, build.StepDeploy, reply.Step)
	assert.True(t, strings.HasSuffix(reply.AOTPath, ".aot"), reply.AOTPath)
	assert.Equal(t, "aot", tb.agent.Snapshot().Module.Format)

	reply, err = tb.client.BuildAndDeploy(ctx, "emu", "blink", filepath.Join(t.TempDir(), "missing.c"), "wasm")
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "source not found")
}

func TestUnknownDevice(t *testing.T) {
	tb := startTestbed(t)

	reply, err := tb.client.Status(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Equal(t, "unknown device: nope", reply.Error)
}

func TestDoWithoutGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := client.New(addr)
	c.Timeout = time.Second
	_, err = c.Do(context.Background(), &gateway.Request{Device: "emu", Cmd: gateway.CmdStatus})
	assert.Error(t, err)
}

func TestDoInvalidReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		conn.Read(buf)
		conn.Write([]byte("not json\n"))
	}()

	_, err = client.New(ln.Addr().String()).Status(context.Background(), "emu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid reply")
}

func TestConsoleRejectsSerialEndpoint(t *testing.T) {
	_, err := client.DialConsole("/dev/ttyACM0", time.Second)
	assert.Error(t, err)
}
