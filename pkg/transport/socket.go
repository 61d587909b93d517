package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// drainWindow is how long FlushInput keeps reading bytes that are already in flight
const drainWindow = 5 * time.Millisecond

// SocketChannel is a Channel over a TCP stream
type SocketChannel struct {
	conn   net.Conn
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

func dialSocket(ep Endpoint, timeout time.Duration) (*SocketChannel, error) {
	conn, err := net.DialTimeout("tcp", ep.Address(), timeout)
	if err != nil {
		return nil, err
	}
	log.Debugf("Connected to %s", ep)
	return NewSocketChannel(conn), nil
}

// NewSocketChannel wraps an established stream connection
func NewSocketChannel(conn net.Conn) *SocketChannel {
	return &SocketChannel{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Write sends all of data
func (c *SocketChannel) Write(data []byte) error {
	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			return fmt.Errorf("socket write failed: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// WriteLine sends text followed by a newline
func (c *SocketChannel) WriteLine(text string) error {
	return c.Write([]byte(text + "\n"))
}

// ReadLine reads one line, see Channel
func (c *SocketChannel) ReadLine(timeout time.Duration) (string, error) {
	return readLine(c, timeout)
}

func (c *SocketChannel) readByte(deadline time.Time) (byte, error) {
	if c.reader.Buffered() == 0 {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return 0, err
		}
	}

	b, err := c.reader.ReadByte()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, ErrReadTimeout
		}
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("socket read failed: %w", err)
	}
	return b, nil
}

// FlushInput drops buffered bytes and drains whatever the peer already sent
func (c *SocketChannel) FlushInput() error {
	if n := c.reader.Buffered(); n > 0 {
		if _, err := c.reader.Discard(n); err != nil {
			return err
		}
		log.Tracef("Flushed %d buffered bytes", n)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
		return err
	}

	scratch := make([]byte, 1024)
	for {
		n, err := c.conn.Read(scratch)
		if n > 0 {
			log.Tracef("Flushed %d stale bytes", n)
		}
		if err != nil || n == 0 {
			break
		}
	}

	// back to blocking reads, each ReadLine sets its own deadline
	return c.conn.SetReadDeadline(time.Time{})
}

// Close closes the connection
func (c *SocketChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
