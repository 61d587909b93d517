package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/jwoglom/wasmgw/pkg/gwerrors"
	"github.com/jwoglom/wasmgw/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// Timeouts are the per-step deadlines of the device exchanges
type Timeouts struct {
	// Ack bounds the wait for the device's answer to LOAD, the payload, START and STOP
	Ack time.Duration

	// Status bounds the wait for the answer to STATUS
	Status time.Duration
}

// DefaultTimeouts returns the deadlines the agent firmware is built for
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ack:    3 * time.Second,
		Status: 2 * time.Second,
	}
}

// StartParams are the arguments of a START exchange
type StartParams struct {
	ModuleID      string
	Func          string
	Args          string
	WaitResult    bool
	ResultTimeout time.Duration
}

// Engine runs device operations. Every operation opens its own channel,
// runs a fixed exchange and closes the channel again.
type Engine struct {
	opener   transport.Opener
	timeouts Timeouts
	locks    *DeviceLocks
	logger   *log.Entry
}

// NewEngine creates an engine. locks may be nil, in which case concurrent
// operations on the same endpoint are not serialized.
func NewEngine(opener transport.Opener, timeouts Timeouts, locks *DeviceLocks) *Engine {
	return &Engine{
		opener:   opener,
		timeouts: timeouts,
		locks:    locks,
		logger:   log.NewEntry(log.StandardLogger()),
	}
}

// WithLogger returns a copy of the engine that logs through entry
func (e *Engine) WithLogger(entry *log.Entry) *Engine {
	cp := *e
	cp.logger = entry
	return &cp
}

// Load transfers a module to the device
func (e *Engine) Load(ep transport.Endpoint, m Module) (string, error) {
	if err := checkToken("module_id", m.ID); err != nil {
		return "", err
	}

	return e.withSession(ep, "load", func(s *session) (string, error) {
		cmd := fmt.Sprintf("LOAD module_id=%s size=%d crc32=%s", m.ID, m.Size(), m.ChecksumHex())
		if err := s.send(cmd); err != nil {
			return "", err
		}

		resp, err := s.await(e.timeouts.Ack, PrefixLoadReady, PrefixLoadErr)
		if err != nil {
			return "", err
		}
		if resp.HasPrefix(PrefixLoadErr) {
			return "", gwerrors.Protocol(resp.Line)
		}

		if err := s.sendPayload(m.Payload); err != nil {
			return "", err
		}

		resp, err = s.await(e.timeouts.Ack, PrefixLoadOK, PrefixLoadErr)
		if err != nil {
			return "", err
		}
		if resp.HasPrefix(PrefixLoadErr) {
			return "", gwerrors.Protocol(resp.Line)
		}
		return resp.Line, nil
	})
}

// Start asks the device to run a function of the loaded module
func (e *Engine) Start(ep transport.Endpoint, p StartParams) (string, error) {
	if err := checkToken("module_id", p.ModuleID); err != nil {
		return "", err
	}
	if err := checkToken("func_name", p.Func); err != nil {
		return "", err
	}
	if strings.ContainsAny(p.Args, "\"\r\n") {
		return "", gwerrors.Validation("invalid func_args: must not contain quotes or line breaks")
	}

	return e.withSession(ep, "start", func(s *session) (string, error) {
		cmd := fmt.Sprintf("START module_id=%s func=%s", p.ModuleID, p.Func)
		if p.Args != "" {
			cmd += fmt.Sprintf(" args=\"%s\"", p.Args)
		}
		if err := s.send(cmd); err != nil {
			return "", err
		}

		for {
			resp, err := s.await(e.timeouts.Ack, PrefixStartOK, PrefixResult, PrefixError)
			if err != nil {
				return "", err
			}

			if resp.HasPrefix(PrefixError) {
				return "", gwerrors.Protocol(resp.Line)
			}
			if resp.HasPrefix(PrefixResult) {
				if isStartRejection(resp) {
					return "", gwerrors.Protocol(resp.Line)
				}
				// a result of an earlier run, not an answer to this START
				s.logger.Infof("Ignoring stale result: %s", resp.Line)
				continue
			}
			break
		}

		if !p.WaitResult {
			return PrefixStartOK, nil
		}

		resp, err := s.await(p.ResultTimeout, PrefixResult)
		if err != nil {
			return "", err
		}
		return resp.Line, nil
	})
}

// Stop asks the device to stop the running function. The round trip
// succeeds even when the device answers with RESULT or ERROR; the caller
// has to look at the returned line.
func (e *Engine) Stop(ep transport.Endpoint, moduleID string, resultTimeout time.Duration) (string, error) {
	if err := checkToken("module_id", moduleID); err != nil {
		return "", err
	}

	return e.withSession(ep, "stop", func(s *session) (string, error) {
		if err := s.send("STOP module_id=" + moduleID); err != nil {
			return "", err
		}

		resp, err := s.await(e.timeouts.Ack, PrefixStopOK, PrefixResult, PrefixError)
		if err != nil {
			return "", err
		}

		if resp.HasPrefix(PrefixResult, PrefixError) {
			return resp.Line, nil
		}
		if !strings.Contains(resp.Line, "status="+StatusPending) {
			return resp.Line, nil
		}

		resp, err = s.await(resultTimeout, PrefixResult)
		if err != nil {
			return "", err
		}
		return resp.Line, nil
	})
}

// Status queries the device state
func (e *Engine) Status(ep transport.Endpoint) (string, error) {
	return e.withSession(ep, "status", func(s *session) (string, error) {
		if err := s.send("STATUS"); err != nil {
			return "", err
		}

		resp, err := s.await(e.timeouts.Status, PrefixStatus, PrefixError, PrefixResult)
		if err != nil {
			return "", err
		}
		return resp.Line, nil
	})
}

// withSession runs one operation on a fresh channel that is always closed
func (e *Engine) withSession(ep transport.Endpoint, op string, run func(s *session) (string, error)) (string, error) {
	logger := e.logger.WithFields(log.Fields{"op": op, "endpoint": ep.String()})

	if e.locks != nil {
		release := e.locks.Acquire(ep.String())
		defer release()
	}

	ch, err := e.opener.Open(ep)
	if err != nil {
		logger.Warnf("Could not open device channel: %v", err)
		return "", err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			logger.Debugf("Error closing channel: %v", err)
		}
	}()

	if err := ch.FlushInput(); err != nil {
		return "", gwerrors.Connection("flush "+ep.String(), err)
	}

	start := time.Now()
	detail, err := run(&session{ch: ch, ep: ep, logger: logger})
	if err != nil {
		logger.Infof("Operation failed after %v: %v", time.Since(start), err)
		return "", err
	}

	logger.Debugf("Operation completed in %v", time.Since(start))
	return detail, nil
}

func isStartRejection(resp Response) bool {
	switch resp.Status() {
	case StatusNoModule, StatusBusy, StatusNoFunc:
		return true
	}
	return false
}

// CheckModuleName validates a module id that also names files on the
// gateway, such as build artifacts. On top of the line framing rules it
// rejects path separators and "..".
func CheckModuleName(id string) error {
	if err := checkToken("module_id", id); err != nil {
		return err
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return gwerrors.Validation("invalid module_id: must not contain path separators or ..")
	}
	return nil
}

// checkToken rejects values that would break the device line framing
func checkToken(name, value string) error {
	if value == "" {
		return gwerrors.Validation("missing field: %s", name)
	}
	if strings.ContainsAny(value, " \t\r\n\"") {
		return gwerrors.Validation("invalid %s: must not contain whitespace or quotes", name)
	}
	return nil
}
