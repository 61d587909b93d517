package client

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	expect "github.com/google/goexpect"

	"github.com/jwoglom/wasmgw/pkg/protocol"
	"github.com/jwoglom/wasmgw/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// Console is a raw line session with a device agent, bypassing the
// gateway. It is meant for bring-up and for testing agents directly.
type Console struct {
	conn    net.Conn
	gexp    *expect.GExpect
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// DialConsole connects to the agent at a tcp endpoint descriptor
func DialConsole(endpoint string, timeout time.Duration) (*Console, error) {
	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if ep.Kind != transport.KindSocket {
		return nil, fmt.Errorf("console needs a tcp endpoint, got %s", endpoint)
	}

	conn, err := net.DialTimeout("tcp", ep.Address(), timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ep.Address(), err)
	}

	c := &Console{
		conn:    conn,
		timeout: timeout,
		done:    make(chan struct{}),
	}

	c.gexp, _, err = expect.SpawnGeneric(&expect.GenOptions{
		In:  conn,
		Out: conn,
		Wait: func() error {
			<-c.done
			return nil
		},
		Close: c.shutdown,
		Check: func() bool { return true },
	}, -1,
		expect.CheckDuration(100*time.Millisecond),
		expect.PartialMatch(true),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start console session: %w", err)
	}

	log.Debugf("Console connected to %s", ep.Address())
	return c, nil
}

func (c *Console) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// linePattern matches the first complete line starting with any prefix
func linePattern(prefixes []string) *regexp.Regexp {
	quoted := make([]string, len(prefixes))
	for i, p := range prefixes {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?m)^((?:` + strings.Join(quoted, "|") + `)[^\r\n]*)\r?\n`)
}

// Expect waits for a line starting with one of prefixes. Lines before it
// are discarded.
func (c *Console) Expect(prefixes ...string) (protocol.Response, error) {
	re := linePattern(prefixes)
	_, match, err := c.gexp.Expect(re, c.timeout)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("waiting for %s: %w", strings.Join(prefixes, "/"), err)
	}
	log.Debugf("<< %s", match[1])
	return protocol.Classify(match[1]), nil
}

// Command sends one command line and waits for its reply
func (c *Console) Command(line string, prefixes ...string) (protocol.Response, error) {
	if err := c.SendLine(line); err != nil {
		return protocol.Response{}, err
	}
	return c.Expect(prefixes...)
}

// SendLine writes one newline terminated command
func (c *Console) SendLine(line string) error {
	log.Debugf(">> %s", line)
	return c.gexp.Send(line + "\n")
}

// SendRaw writes bytes without framing, as for a LOAD payload
func (c *Console) SendRaw(data []byte) error {
	log.Debugf(">> [BINARY] %d bytes", len(data))
	return c.gexp.Send(string(data))
}

// Close ends the session
func (c *Console) Close() error {
	return c.gexp.Close()
}
