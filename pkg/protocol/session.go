package protocol

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/jwoglom/wasmgw/pkg/gwerrors"
	"github.com/jwoglom/wasmgw/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// session is the state of one operation: the endpoint and its open channel
type session struct {
	ch     transport.Channel
	ep     transport.Endpoint
	logger *log.Entry
}

// send writes one command line
func (s *session) send(line string) error {
	s.logger.Debugf(">> %s", line)
	if err := s.ch.WriteLine(line); err != nil {
		return gwerrors.Connection("write "+s.ep.String(), err)
	}
	return nil
}

// sendPayload writes raw module bytes without framing
func (s *session) sendPayload(data []byte) error {
	s.logger.Debugf(">> [BINARY] %d bytes", len(data))
	if err := s.ch.Write(data); err != nil {
		return gwerrors.Connection("write "+s.ep.String(), err)
	}
	return nil
}

// await reads lines until one starts with any of prefixes. Lines that
// match none of them are skipped. The timeout covers the whole wait.
func (s *session) await(timeout time.Duration, prefixes ...string) (Response, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		line, err := s.ch.ReadLine(remaining)
		if err != nil {
			if errors.Is(err, transport.ErrReadTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return Response{}, gwerrors.Connection("read "+s.ep.String(), errors.New("device closed the connection"))
			}
			return Response{}, gwerrors.Connection("read "+s.ep.String(), err)
		}

		s.logger.Debugf("<< %s", line)
		resp := Classify(line)
		if resp.HasPrefix(prefixes...) {
			return resp, nil
		}
		s.logger.Tracef("Skipping line while waiting for %s", strings.Join(prefixes, "/"))
	}

	return Response{}, gwerrors.Timeout("timeout waiting for %s", strings.Join(prefixes, "/"))
}
