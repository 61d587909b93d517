package emulator

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwoglom/wasmgw/pkg/protocol"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultPayloadTimeout is how long LOAD waits for the module bytes
	DefaultPayloadTimeout = 5 * time.Second

	// MaxModuleSize is the largest module the emulated heap accepts
	MaxModuleSize = 256 * 1024

	// maxCallArgs is the number of i32 arguments START can pass
	maxCallArgs = 4
)

var (
	magicWasm = []byte("\x00asm")
	magicAOT  = []byte("\x00aot")
)

// LoadedModule describes the module held by the agent
type LoadedModule struct {
	ID     string
	Size   int
	CRC32  uint32
	Format string
}

// State is a snapshot of the agent
type State struct {
	Module  *LoadedModule
	Running bool
	Func    string
	Toggles int64
}

// Agent emulates the firmware agent of a target board: one loaded module,
// one runner and a console that asynchronous results are written to.
type Agent struct {
	functions      map[string]Function
	payloadTimeout time.Duration

	mutex         sync.Mutex
	module        *LoadedModule
	busy          bool
	runningFunc   string
	stop          chan struct{}
	stopRequested bool
	console       *lineWriter

	runs    sync.WaitGroup
	toggles atomic.Int64
}

// NewAgent creates an agent whose modules export functions
func NewAgent(functions map[string]Function) *Agent {
	return &Agent{
		functions:      functions,
		payloadTimeout: DefaultPayloadTimeout,
	}
}

// SetPayloadTimeout sets how long LOAD waits for the module bytes
func (a *Agent) SetPayloadTimeout(d time.Duration) {
	a.payloadTimeout = d
}

// Snapshot returns the current agent state
func (a *Agent) Snapshot() State {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	s := State{
		Running: a.busy,
		Func:    a.runningFunc,
		Toggles: a.toggles.Load(),
	}
	if a.module != nil {
		m := *a.module
		s.Module = &m
	}
	return s
}

// Wait blocks until no function is running
func (a *Agent) Wait() {
	a.runs.Wait()
}

func (a *Agent) toggleLED() {
	n := a.toggles.Add(1)
	log.Tracef("LED toggle #%d", n)
}

// lineWriter serializes line writes to one connection
type lineWriter struct {
	mutex sync.Mutex
	w     io.Writer
	name  string
}

func (lw *lineWriter) writeLine(line string) {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()

	log.Debugf("[%s] >> %s", lw.name, line)
	if _, err := io.WriteString(lw.w, line+"\n"); err != nil {
		log.Debugf("[%s] Dropping line, console gone: %v", lw.name, err)
	}
}

// session is one connection to the agent
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	out    *lineWriter
}

// readPayload reads exactly n raw bytes within timeout
func (s *session) readPayload(n int, timeout time.Duration) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			log.Debugf("Could not clear read deadline: %v", err)
		}
	}()

	buf := make([]byte, n)
	if _, err := io.ReadFull(s.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ServeConn runs the command loop of one connection until it is closed
func (a *Agent) ServeConn(conn net.Conn) {
	s := &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		out:    &lineWriter{w: conn, name: conn.RemoteAddr().String()},
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debugf("[%s] Read error: %v", s.out.name, err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		log.Debugf("[%s] << %s", s.out.name, line)

		a.mutex.Lock()
		a.console = s.out
		a.mutex.Unlock()

		if !a.handleLine(s, line) {
			return
		}
	}
}

// handleLine runs one command. It returns false if the connection broke.
func (a *Agent) handleLine(s *session, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	params := protocol.ParseFields(rest)

	switch cmd {
	case "LOAD":
		return a.handleLoad(s, params)
	case "START":
		a.handleStart(s, params)
	case "STOP":
		a.handleStop(s, params)
	case "STATUS":
		a.handleStatus(s)
	default:
		s.out.writeLine("ERROR code=UNKNOWN_COMMAND")
	}
	return true
}

func (a *Agent) handleLoad(s *session, params map[string]string) bool {
	sizeStr, ok := params["size"]
	if !ok {
		s.out.writeLine(`LOAD_ERR code=BAD_PARAMS msg="missing size"`)
		return true
	}
	crcStr, ok := params["crc32"]
	if !ok {
		s.out.writeLine(`LOAD_ERR code=BAD_PARAMS msg="missing crc32"`)
		return true
	}

	size, _ := strconv.Atoi(sizeStr)
	if size <= 0 {
		s.out.writeLine(`LOAD_ERR code=BAD_PARAMS msg="size=0"`)
		return true
	}
	expected, _ := strconv.ParseUint(crcStr, 16, 32)

	// the previous module is dropped before the new one arrives
	a.mutex.Lock()
	a.module = nil
	a.mutex.Unlock()

	if size > MaxModuleSize {
		s.out.writeLine("LOAD_ERR code=NO_MEM")
		return true
	}

	s.out.writeLine(fmt.Sprintf("LOAD_READY size=%d crc32=%s", size, crcStr))

	payload, err := s.readPayload(size, a.payloadTimeout)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.out.writeLine(`LOAD_ERR code=TIMEOUT msg="binary payload not received"`)
			return true
		}
		log.Debugf("[%s] Connection lost during payload: %v", s.out.name, err)
		return false
	}
	log.Debugf("[%s] << [BINARY] %d bytes", s.out.name, len(payload))

	got := protocol.NewModule("", payload).Checksum()
	if got != uint32(expected) {
		s.out.writeLine(fmt.Sprintf(`LOAD_ERR code=BAD_CRC msg="expected=%08x got=%08x"`, uint32(expected), got))
		return true
	}

	format := moduleFormat(payload)
	if format == "" {
		s.out.writeLine(`LOAD_ERR code=LOAD_FAIL msg="magic header not detected"`)
		return true
	}

	a.mutex.Lock()
	a.module = &LoadedModule{
		ID:     params["module_id"],
		Size:   size,
		CRC32:  got,
		Format: format,
	}
	a.mutex.Unlock()

	log.Infof("Loaded %s module %q (%d bytes)", format, params["module_id"], size)
	s.out.writeLine("LOAD_OK")
	return true
}

func moduleFormat(payload []byte) string {
	switch {
	case bytes.HasPrefix(payload, magicWasm):
		return "wasm"
	case bytes.HasPrefix(payload, magicAOT):
		return "aot"
	}
	return ""
}

// parseArgs turns "a=1,b=2" into call arguments. Values that are not
// integers count as 0, tokens without '=' are skipped.
func parseArgs(s string) []int32 {
	var args []int32
	for _, tok := range strings.Split(s, ",") {
		if len(args) == maxCallArgs {
			break
		}
		_, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		v, _ := strconv.ParseInt(strings.TrimSpace(value), 10, 32)
		args = append(args, int32(v))
	}
	return args
}

func (a *Agent) handleStart(s *session, params map[string]string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.module == nil {
		s.out.writeLine("RESULT status=NO_MODULE")
		return
	}
	id, ok := params["module_id"]
	if !ok {
		s.out.writeLine(`RESULT status=BAD_PARAMS msg="missing module_id"`)
		return
	}
	if id != a.module.ID {
		s.out.writeLine(`RESULT status=NO_MODULE msg="module_id mismatch"`)
		return
	}
	if a.busy {
		s.out.writeLine("RESULT status=BUSY")
		return
	}
	name, ok := params["func"]
	if !ok || name == "" {
		s.out.writeLine(`RESULT status=BAD_PARAMS msg="missing func"`)
		return
	}

	args := parseArgs(params["args"])

	fn, exists := a.functions[name]
	if !exists {
		s.out.writeLine("RESULT status=NO_FUNC name=" + name)
		return
	}

	stop := make(chan struct{})
	a.busy = true
	a.runningFunc = name
	a.stop = stop
	a.stopRequested = false

	a.runs.Add(1)
	go a.run(name, fn, &Call{Args: args, agent: a, stop: stop})

	s.out.writeLine("START_OK")
}

// run executes one function and reports its result on the console
func (a *Agent) run(name string, fn Function, call *Call) {
	defer a.runs.Done()

	log.Infof("Runner: calling %s%v", name, call.Args)
	ret, hasRet, err := invoke(fn, call)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var line string
	switch {
	case err != nil:
		line = fmt.Sprintf(`RESULT status=EXCEPTION func=%s msg="Exception: %s"`, name, err)
	case a.stopRequested:
		line = "RESULT status=STOPPED func=" + name
	case hasRet:
		line = fmt.Sprintf("RESULT status=OK func=%s ret_i32=%d", name, uint32(ret))
	default:
		line = "RESULT status=OK func=" + name
	}

	a.busy = false
	a.runningFunc = ""
	a.stop = nil
	a.stopRequested = false

	if a.console != nil {
		a.console.writeLine(line)
	}
}

// invoke calls fn, turning a panic into a trap
func invoke(fn Function, call *Call) (ret int32, hasRet bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return fn(call)
}

func (a *Agent) handleStop(s *session, params map[string]string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.busy {
		s.out.writeLine("STOP_OK status=IDLE")
		return
	}

	id, ok := params["module_id"]
	if !ok || a.module == nil || id != a.module.ID {
		s.out.writeLine("STOP_OK status=NO_JOB")
		return
	}

	if !a.stopRequested {
		a.stopRequested = true
		close(a.stop)
	}
	s.out.writeLine("STOP_OK status=PENDING")
}

func (a *Agent) handleStatus(s *session) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.module == nil {
		s.out.writeLine(`STATUS_OK modules="none" runner=IDLE`)
		return
	}

	runner := "IDLE"
	if a.busy {
		runner = "RUNNING"
	}
	s.out.writeLine(fmt.Sprintf(`STATUS_OK modules="%s(loaded)" runner=%s`, a.module.ID, runner))
}
