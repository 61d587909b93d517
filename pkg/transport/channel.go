package transport

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/jwoglom/wasmgw/pkg/gwerrors"
)

// ErrReadTimeout is returned by ReadLine when no complete line arrived in time
var ErrReadTimeout = errors.New("read timeout")

// Channel is a line-oriented view over a byte stream to one device
type Channel interface {
	// Write sends raw bytes and returns once all of them were handed to the medium
	Write(data []byte) error

	// WriteLine sends text followed by "\n"
	WriteLine(text string) error

	// ReadLine returns the next line without trailing CR/LF.
	// It returns ErrReadTimeout if no newline arrived before the timeout, in
	// which case any partially received line is dropped, and io.EOF if the
	// stream ended with nothing accumulated.
	ReadLine(timeout time.Duration) (string, error)

	// FlushInput discards input that was received but not yet consumed
	FlushInput() error

	// Close releases the endpoint. Safe to call more than once.
	Close() error
}

// Opener opens channels to endpoints
type Opener interface {
	Open(ep Endpoint) (Channel, error)
}

// Dialer is the Opener used against real endpoints
type Dialer struct {
	// DialTimeout bounds socket connection setup
	DialTimeout time.Duration

	// Serial line settings applied to every serial endpoint
	DataBits int
	Parity   string
	StopBits string
}

// NewDialer creates a dialer with the agent's line settings
func NewDialer(dialTimeout time.Duration) *Dialer {
	return &Dialer{
		DialTimeout: dialTimeout,
		DataBits:    8,
		Parity:      "None",
		StopBits:    "One",
	}
}

// Open opens a channel to ep. Failures are connection errors.
func (d *Dialer) Open(ep Endpoint) (Channel, error) {
	var (
		ch  Channel
		err error
	)

	switch ep.Kind {
	case KindSocket:
		ch, err = dialSocket(ep, d.DialTimeout)
	case KindSerial:
		ch, err = openSerial(ep, d.DataBits, d.Parity, d.StopBits)
	default:
		err = errors.New("unsupported endpoint kind")
	}

	if err != nil {
		return nil, gwerrors.Connection("open "+ep.String(), err)
	}
	return ch, nil
}

// byteSource yields received bytes one at a time
type byteSource interface {
	readByte(deadline time.Time) (byte, error)
}

// readLine accumulates bytes from src until a newline or the deadline
func readLine(src byteSource, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var buf []byte

	for {
		b, err := src.readByte(deadline)
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return trimLine(buf), nil
			}
			// a partial line pending at timeout is not carried forward
			return "", err
		}

		buf = append(buf, b)
		if b == '\n' {
			return trimLine(buf), nil
		}
	}
}

func trimLine(buf []byte) string {
	return strings.TrimRight(string(buf), "\r\n")
}
