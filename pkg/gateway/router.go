package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwoglom/wasmgw/pkg/build"
	"github.com/jwoglom/wasmgw/pkg/config"
	"github.com/jwoglom/wasmgw/pkg/gwerrors"
	"github.com/jwoglom/wasmgw/pkg/metrics"
	"github.com/jwoglom/wasmgw/pkg/protocol"
	"github.com/jwoglom/wasmgw/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// CommandHandler runs one gateway command
type CommandHandler interface {
	// Command returns the cmd value this handler serves
	Command() string

	// Handle runs the command. A non-nil reply carries fields that are
	// returned even when err is set.
	Handle(ctx context.Context, call *Call) (*Reply, error)
}

// Call is one dispatched request together with what the handler needs to serve it
type Call struct {
	Request  *Request
	Endpoint transport.Endpoint

	// Engine logs with the request's fields
	Engine *protocol.Engine
	Logger *log.Entry

	// ResultTimeout is the default for start and stop
	ResultTimeout time.Duration
}

// Router validates requests and routes them to command handlers
type Router struct {
	handlers map[string]CommandHandler
	devices  *config.DeviceTable
	engine   *protocol.Engine
	pipeline *build.Pipeline
	metrics  *metrics.Metrics

	resultTimeout time.Duration
}

// NewRouter creates a router serving the devices in table. pipeline may be
// nil, in which case build_and_deploy is not available.
func NewRouter(devices *config.DeviceTable, engine *protocol.Engine, pipeline *build.Pipeline, resultTimeout time.Duration) *Router {
	r := &Router{
		handlers:      make(map[string]CommandHandler),
		devices:       devices,
		engine:        engine,
		pipeline:      pipeline,
		resultTimeout: resultTimeout,
	}

	r.registerHandlers()

	return r
}

// registerHandlers registers all command handlers
func (r *Router) registerHandlers() {
	r.RegisterHandler(&deployHandler{})
	r.RegisterHandler(&startHandler{})
	r.RegisterHandler(&stopHandler{})
	r.RegisterHandler(&statusHandler{})

	if r.pipeline != nil {
		r.RegisterHandler(&buildAndDeployHandler{pipeline: r.pipeline})
	}

	log.Infof("Registered %d command handlers", len(r.handlers))
}

// RegisterHandler registers a command handler
func (r *Router) RegisterHandler(handler CommandHandler) {
	r.handlers[handler.Command()] = handler
	log.Debugf("Registered handler: %s", handler.Command())
}

// SetMetrics sets the collectors requests are recorded in
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Devices returns the device table the router serves
func (r *Router) Devices() *config.DeviceTable {
	return r.devices
}

// Dispatch serves one request. It never fails: every error becomes a
// reply with ok=false.
func (r *Router) Dispatch(ctx context.Context, req *Request) *Reply {
	start := time.Now()
	logger := log.WithFields(log.Fields{
		"request_id": uuid.New().String(),
		"device":     req.Device,
		"cmd":        req.Cmd,
	})
	logger.Debugf("Routing request")

	reply := r.dispatch(ctx, req, logger)

	r.metrics.RecordRequest(req.Device, req.Cmd, reply.OK, time.Since(start))
	if reply.OK {
		logger.Infof("Request completed in %v: %s", time.Since(start), reply.Detail)
	} else {
		logger.Infof("Request failed in %v: %s", time.Since(start), reply.Error)
	}
	return reply
}

func (r *Router) dispatch(ctx context.Context, req *Request, logger *log.Entry) *Reply {
	ep, ok := r.devices.Lookup(req.Device)
	if !ok {
		return ErrorReply(gwerrors.Validation("unknown device: %s", req.Device))
	}

	handler, exists := r.handlers[req.Cmd]
	if !exists {
		logger.Warnf("No handler registered for command: %s", req.Cmd)
		return ErrorReply(gwerrors.Validation("unknown command: %s", req.Cmd))
	}

	call := &Call{
		Request:       req,
		Endpoint:      ep,
		Engine:        r.engine.WithLogger(logger),
		Logger:        logger,
		ResultTimeout: r.resultTimeout,
	}

	reply, err := handler.Handle(ctx, call)
	if reply == nil {
		reply = &Reply{}
	}
	if err != nil {
		kind := gwerrors.KindOf(err)
		if kind != gwerrors.KindValidation {
			r.metrics.RecordDeviceError(req.Device, kind.String())
		}
		reply.fail(err)
		return reply
	}

	reply.OK = true
	return reply
}

// GetStats returns router statistics
func (r *Router) GetStats() map[string]interface{} {
	commands := make([]string, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	return map[string]interface{}{
		"registeredHandlers": len(r.handlers),
		"commands":           commands,
		"devices":            r.devices.Len(),
	}
}
