package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/Gurux/gxserial-go"
	log "github.com/sirupsen/logrus"
)

// serialMedia is the part of gxserial.GXSerial the channel relies on
type serialMedia interface {
	Open() error
	Close() error
	Send(data any, receiver string) error
	SetOnReceived(value gxcommon.ReceivedEventHandler)
	SetOnError(value gxcommon.ErrorEventHandler)
}

var _ serialMedia = (*gxserial.GXSerial)(nil)

// SerialChannel is a Channel over a serial port
type SerialChannel struct {
	name  string
	media serialMedia
	queue *receiveQueue

	closeOnce sync.Once
	closeErr  error
}

func openSerial(ep Endpoint, dataBits int, parity, stopBits string) (*SerialChannel, error) {
	p, err := gxcommon.ParityParse(parity)
	if err != nil {
		return nil, fmt.Errorf("invalid parity %q: %w", parity, err)
	}
	sb, err := gxcommon.StopBitsParse(stopBits)
	if err != nil {
		return nil, fmt.Errorf("invalid stop bits %q: %w", stopBits, err)
	}

	baud := ep.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}

	media := gxserial.NewGXSerial(ep.Device, gxcommon.BaudRate(baud), dataBits, p, sb)
	if err := media.Validate(); err != nil {
		return nil, err
	}

	ch := newSerialChannel(ep.Device, media)
	if err := media.Open(); err != nil {
		return nil, err
	}
	log.Debugf("Opened serial port %s at %d baud", ep.Device, baud)

	return ch, nil
}

// newSerialChannel hooks the media callbacks into a receive queue. The
// media is not opened here.
func newSerialChannel(name string, media serialMedia) *SerialChannel {
	ch := &SerialChannel{
		name:  name,
		media: media,
		queue: newReceiveQueue(),
	}
	media.SetOnReceived(ch.onReceived)
	media.SetOnError(ch.onError)
	return ch
}

func (c *SerialChannel) onReceived(_ gxcommon.IGXMedia, e gxcommon.ReceiveEventArgs) {
	data, err := gxcommon.ToBytes(e.Data(), binary.BigEndian)
	if err != nil {
		log.Warnf("Dropping undecodable serial data on %s: %v", c.name, err)
		return
	}
	c.queue.push(data)
}

func (c *SerialChannel) onError(_ gxcommon.IGXMedia, err error) {
	log.Debugf("Serial error on %s: %v", c.name, err)
	c.queue.fail(io.EOF)
}

// Write sends raw bytes to the port
func (c *SerialChannel) Write(data []byte) error {
	if err := c.media.Send(data, ""); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	return nil
}

// WriteLine sends text followed by a newline
func (c *SerialChannel) WriteLine(text string) error {
	return c.Write([]byte(text + "\n"))
}

// ReadLine reads one line, see Channel
func (c *SerialChannel) ReadLine(timeout time.Duration) (string, error) {
	return readLine(c.queue, timeout)
}

// FlushInput clears the receive buffer
func (c *SerialChannel) FlushInput() error {
	if n := c.queue.reset(); n > 0 {
		log.Tracef("Flushed %d stale bytes from %s", n, c.name)
	}
	return nil
}

// Close closes the port
func (c *SerialChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.media.Close()
		c.queue.fail(io.EOF)
	})
	return c.closeErr
}
