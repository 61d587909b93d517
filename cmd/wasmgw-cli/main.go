package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/jwoglom/wasmgw/cmd/wasmgw-cli/interactive"
	"github.com/jwoglom/wasmgw/pkg/client"
	"github.com/jwoglom/wasmgw/pkg/protocol"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage:
  wasmgw-cli [flags] <command> [args]    one request
  wasmgw-cli [flags] -i                  interactive shell
  wasmgw-cli -console tcp:<host>:<port>  raw agent console, bypassing the gateway

Commands:
  status
  deploy <module_id> <wasm_path>
  build  <module_id> <source_path> [wasm|aot]
  start  <module_id> <func> [k=v,...] [wait] [timeout=<secs>]
  stop   <module_id> [timeout=<secs>]

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	var traceLevel = flag.Bool("v", false, "verbose off by default, TraceLevel")
	var addr = flag.String("addr", "localhost:9000", "gateway address")
	var apiAddr = flag.String("api", "", "gateway HTTP API address, used to list devices")
	var device = flag.String("device", "", "target device name")
	var timeout = flag.Duration("timeout", client.DefaultTimeout, "request timeout")
	var shell = flag.Bool("i", false, "interactive shell")
	var console = flag.String("console", "", "talk to a device agent directly")

	flag.Usage = usage
	flag.Parse()

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})
	if *traceLevel {
		log.SetLevel(log.TraceLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *console != "" {
		if err := runConsole(*console); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	c := client.New(*addr)
	c.Timeout = *timeout

	if *shell {
		sh, err := interactive.New(c, *apiAddr, *device)
		if err != nil {
			log.Fatalf("Could not start shell: %v", err)
		}
		log.SetOutput(sh.Stdout())
		sh.Run(ctx)
		return
	}

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	req, err := interactive.ParseRequest(*device, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	reply, err := c.Do(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(interactive.FormatReply(reply))
	if !reply.OK {
		os.Exit(1)
	}
}

var consolePrefixes = []string{
	protocol.PrefixLoadReady, protocol.PrefixLoadOK, protocol.PrefixLoadErr,
	protocol.PrefixStartOK, protocol.PrefixStopOK, protocol.PrefixStatus,
	protocol.PrefixResult, protocol.PrefixError,
}

// runConsole sends typed lines to an agent and prints its replies. An
// empty line waits for the next asynchronous line, such as a RESULT.
func runConsole(endpoint string) error {
	c, err := client.DialConsole(endpoint, 10*time.Second)
	if err != nil {
		return err
	}
	defer c.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "agent> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "Connected to %s. LOAD needs a payload, use deploy instead.\n", endpoint)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}

		var resp protocol.Response
		if line = strings.TrimSpace(line); line == "" {
			resp, err = c.Expect(consolePrefixes...)
		} else {
			resp, err = c.Command(line, consolePrefixes...)
		}
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(rl.Stdout(), resp.Line)
	}
}
