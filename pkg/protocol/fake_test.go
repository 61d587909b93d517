package protocol

import (
	"io"
	"sync"
	"time"

	"github.com/jwoglom/wasmgw/pkg/gwerrors"
	"github.com/jwoglom/wasmgw/pkg/transport"
)

// scriptedDevice answers what the engine writes with canned lines
type scriptedDevice struct {
	mutex sync.Mutex

	// respond is called for every written line; payload writes arrive as "<binary>"
	respond func(line string) []string

	written  []string
	payloads [][]byte
	stale    []string
	closed   int
	opened   int
	openErr  error
	eof      bool
	lines    chan string
	flushes  int
}

func newScriptedDevice(respond func(line string) []string) *scriptedDevice {
	return &scriptedDevice{respond: respond}
}

func (d *scriptedDevice) Open(ep transport.Endpoint) (transport.Channel, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.openErr != nil {
		return nil, gwerrors.Connection("open "+ep.String(), d.openErr)
	}
	d.opened++
	d.lines = make(chan string, 64)
	for _, l := range d.stale {
		d.lines <- l
	}
	return &scriptedChannel{dev: d, lines: d.lines}, nil
}

func (d *scriptedDevice) Written() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.written...)
}

func (d *scriptedDevice) Closed() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.closed
}

type scriptedChannel struct {
	dev   *scriptedDevice
	lines chan string
	once  sync.Once
}

func (c *scriptedChannel) answer(line string) {
	if c.dev.respond == nil {
		return
	}
	for _, l := range c.dev.respond(line) {
		c.lines <- l
	}
}

func (c *scriptedChannel) Write(data []byte) error {
	c.dev.mutex.Lock()
	c.dev.payloads = append(c.dev.payloads, append([]byte(nil), data...))
	c.dev.mutex.Unlock()
	c.answer("<binary>")
	return nil
}

func (c *scriptedChannel) WriteLine(text string) error {
	c.dev.mutex.Lock()
	c.dev.written = append(c.dev.written, text)
	c.dev.mutex.Unlock()
	c.answer(text)
	return nil
}

func (c *scriptedChannel) ReadLine(timeout time.Duration) (string, error) {
	select {
	case l := <-c.lines:
		return l, nil
	default:
	}

	c.dev.mutex.Lock()
	eof := c.dev.eof
	c.dev.mutex.Unlock()
	if eof {
		return "", io.EOF
	}

	select {
	case l := <-c.lines:
		return l, nil
	case <-time.After(timeout):
		return "", transport.ErrReadTimeout
	}
}

func (c *scriptedChannel) FlushInput() error {
	c.dev.mutex.Lock()
	c.dev.flushes++
	c.dev.mutex.Unlock()
	for {
		select {
		case <-c.lines:
		default:
			return nil
		}
	}
}

func (c *scriptedChannel) Close() error {
	c.once.Do(func() {
		c.dev.mutex.Lock()
		c.dev.closed++
		c.dev.mutex.Unlock()
	})
	return nil
}

// fastTimeouts keeps timeout tests short
func fastTimeouts() Timeouts {
	return Timeouts{Ack: 100 * time.Millisecond, Status: 100 * time.Millisecond}
}
