package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind identifies the medium used to reach a device
type Kind int

const (
	// KindSerial is a local serial device (COM3, /dev/ttyACM0)
	KindSerial Kind = iota
	// KindSocket is a TCP stream socket (emulators, serial-over-IP bridges)
	KindSocket
)

// String returns the name of the transport kind
func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindSocket:
		return "socket"
	default:
		return "unknown"
	}
}

const socketPrefix = "tcp:"

// DefaultBaudRate is the agent UART speed
const DefaultBaudRate = 115200

// Endpoint describes how to reach one device. It is resolved once from
// configuration and never modified afterwards.
type Endpoint struct {
	Kind Kind

	// Serial
	Device   string
	BaudRate int

	// Socket
	Host string
	Port int
}

// ParseEndpoint parses an endpoint descriptor.
//
//	tcp:<host>:<port>  stream socket
//	tcp:<port>         stream socket on localhost
//	anything else      serial device name
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	if !strings.HasPrefix(s, socketPrefix) {
		return Endpoint{Kind: KindSerial, Device: s, BaudRate: DefaultBaudRate}, nil
	}

	rest := strings.TrimPrefix(s, socketPrefix)
	host, portStr := "localhost", rest
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		host, portStr = rest[:i], rest[i+1:]
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		host = "localhost"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", s)
	}

	return Endpoint{Kind: KindSocket, Host: host, Port: port}, nil
}

// Address returns the dial address of a socket endpoint
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint in descriptor form
func (e Endpoint) String() string {
	if e.Kind == KindSocket {
		return fmt.Sprintf("%s%s:%d", socketPrefix, e.Host, e.Port)
	}
	return e.Device
}
