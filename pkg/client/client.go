package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/jwoglom/wasmgw/pkg/gateway"

	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds one request when the caller sets none
const DefaultTimeout = 60 * time.Second

// Client sends requests to a gateway, one connection per request
type Client struct {
	Addr    string
	Timeout time.Duration
}

// New creates a client for the gateway at addr
func New(addr string) *Client {
	return &Client{Addr: addr, Timeout: DefaultTimeout}
}

// Do sends req and waits for the reply. A reply with ok=false is not an
// error; err is only set when no reply could be obtained.
func (c *Client) Do(ctx context.Context, req *gateway.Request) (*gateway.Reply, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	log.Debugf(">> %s", data)

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	log.Debugf("<< %s", line)

	var reply gateway.Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("invalid reply %q: %w", line, err)
	}
	return &reply, nil
}

// Status queries the agent state of device
func (c *Client) Status(ctx context.Context, device string) (*gateway.Reply, error) {
	return c.Do(ctx, &gateway.Request{Device: device, Cmd: gateway.CmdStatus})
}

// Deploy loads the module file at wasmPath onto device
func (c *Client) Deploy(ctx context.Context, device, moduleID, wasmPath string) (*gateway.Reply, error) {
	return c.Do(ctx, &gateway.Request{
		Device:   device,
		Cmd:      gateway.CmdDeploy,
		ModuleID: moduleID,
		WasmPath: wasmPath,
	})
}

// StartOptions are the optional parts of a start request
type StartOptions struct {
	Args          string
	WaitResult    bool
	ResultTimeout time.Duration
}

// Start runs function fn of the loaded module
func (c *Client) Start(ctx context.Context, device, moduleID, fn string, opts StartOptions) (*gateway.Reply, error) {
	req := &gateway.Request{
		Device:     device,
		Cmd:        gateway.CmdStart,
		ModuleID:   moduleID,
		FuncName:   fn,
		FuncArgs:   opts.Args,
		WaitResult: opts.WaitResult,
	}
	if opts.ResultTimeout > 0 {
		secs := opts.ResultTimeout.Seconds()
		req.ResultTimeout = &secs
	}
	return c.Do(ctx, req)
}

// Stop asks the device to stop the running function
func (c *Client) Stop(ctx context.Context, device, moduleID string) (*gateway.Reply, error) {
	return c.Do(ctx, &gateway.Request{Device: device, Cmd: gateway.CmdStop, ModuleID: moduleID})
}

// BuildAndDeploy compiles sourcePath on the gateway host and deploys the result
func (c *Client) BuildAndDeploy(ctx context.Context, device, moduleID, sourcePath, mode string) (*gateway.Reply, error) {
	return c.Do(ctx, &gateway.Request{
		Device:     device,
		Cmd:        gateway.CmdBuildAndDeploy,
		ModuleID:   moduleID,
		SourcePath: sourcePath,
		Mode:       mode,
	})
}
