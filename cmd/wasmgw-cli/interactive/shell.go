// Package interactive provides the interactive shell of wasmgw-cli.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/jwoglom/wasmgw/pkg/api"
	"github.com/jwoglom/wasmgw/pkg/client"
)

// Shell is a readline loop that sends one gateway request per command
type Shell struct {
	client  *client.Client
	apiAddr string
	device  string
	rl      *readline.Instance
}

// New creates a shell talking to c. apiAddr is the gateway's HTTP API,
// used to list devices; it may be empty.
func New(c *client.Client, apiAddr, device string) (*Shell, error) {
	s := &Shell{
		client:  c,
		apiAddr: apiAddr,
		device:  device,
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("status"),
			readline.PcItem("deploy"),
			readline.PcItem("build"),
			readline.PcItem("start"),
			readline.PcItem("stop"),
			readline.PcItem("use"),
			readline.PcItem("devices"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s.rl = rl
	return s, nil
}

func (s *Shell) prompt() string {
	if s.device == "" {
		return "wasmgw> "
	}
	return fmt.Sprintf("wasmgw[%s]> ", s.device)
}

// Stdout returns a writer that does not garble the prompt
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done
func (s *Shell) Run(ctx context.Context) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			return
		}

		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}

		switch strings.ToLower(words[0]) {
		case "help", "?":
			s.printHelp()

		case "use", "device":
			s.cmdUse(words[1:])

		case "devices":
			s.cmdDevices(ctx)

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			return

		default:
			s.cmdRequest(ctx, words)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
Gateway Commands:
    status                                        - Query the agent state
    deploy <module_id> <wasm_path>                - Load a module file from the gateway host
    build <module_id> <source_path> [wasm|aot]    - Compile a C source on the gateway and deploy it
    start <module_id> <func> [k=v,..] [wait] [timeout=<s>]
                                                  - Run a function, optionally waiting for its result
    stop <module_id> [timeout=<s>]                - Stop the running function

Shell:
    use <device>                                  - Select the target device
    devices                                       - List the gateway's devices (needs -api)
    help                                          - Show this help
    quit                                          - Leave the shell`)
}

func (s *Shell) cmdUse(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: use <device>")
		return
	}
	s.device = args[0]
	s.rl.SetPrompt(s.prompt())
}

func (s *Shell) cmdDevices(ctx context.Context) {
	if s.apiAddr == "" {
		fmt.Fprintln(s.rl.Stdout(), "Device listing needs the gateway HTTP API (-api host:port)")
		return
	}

	devices, err := ListDevices(ctx, s.apiAddr)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	for _, d := range devices {
		marker := " "
		if d.Name == s.device {
			marker = "*"
		}
		fmt.Fprintf(s.rl.Stdout(), "%s %-12s %-8s %s\n", marker, d.Name, d.Kind, d.Endpoint)
	}
}

func (s *Shell) cmdRequest(ctx context.Context, words []string) {
	req, err := ParseRequest(s.device, words)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	start := time.Now()
	reply, err := s.client.Do(ctx, req)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "%s  (%v)\n", FormatReply(reply), time.Since(start).Round(time.Millisecond))
}

// ListDevices fetches the device table from the gateway HTTP API
func ListDevices(ctx context.Context, apiAddr string) ([]api.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+apiAddr+"/api/devices", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var devices []api.Device
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, fmt.Errorf("invalid device list: %w", err)
	}
	return devices, nil
}
