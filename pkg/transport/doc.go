// Package transport gives serial ports and TCP sockets the same
// line-oriented interface, the one the device agent speaks.
//
// The medium is picked once, when the endpoint descriptor is parsed:
//
//	COM3, /dev/ttyACM0      serial port (gxserial)
//	tcp:localhost:3456      stream socket
//
// Reads are line based with a per-call deadline. A line that is only
// partially received when the deadline expires is dropped rather than
// completed by the next read; callers that wait for a specific response
// simply keep reading until their own deadline.
package transport
