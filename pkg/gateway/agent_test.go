package gateway

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jwoglom/wasmgw/pkg/build"
	"github.com/jwoglom/wasmgw/pkg/config"
	"github.com/jwoglom/wasmgw/pkg/protocol"
	"github.com/jwoglom/wasmgw/pkg/transport"
)

// fakeAgent is a minimal device agent on a loopback socket. LOAD payloads
// are consumed by size, every other line is answered by respond.
type fakeAgent struct {
	ln      net.Listener
	respond func(line string) []string
	conns   atomic.Int32

	mtx     sync.Mutex
	lines   []string
	payload []byte
}

func startFakeAgent(t *testing.T, respond func(line string) []string) *fakeAgent {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	a := &fakeAgent{ln: ln, respond: respond}
	go a.serve()
	t.Cleanup(func() { ln.Close() })
	return a
}

func (a *fakeAgent) endpoint() string {
	return "tcp:" + a.ln.Addr().String()
}

func (a *fakeAgent) received() []string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return append([]string(nil), a.lines...)
}

func (a *fakeAgent) serve() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		a.conns.Add(1)
		go a.handle(conn)
	}
}

func (a *fakeAgent) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		a.mtx.Lock()
		a.lines = append(a.lines, line)
		a.mtx.Unlock()

		if strings.HasPrefix(line, "LOAD ") {
			size, _ := strconv.Atoi(protocol.ParseFields(line)["size"])
			if _, err := conn.Write([]byte("LOAD_READY size=" + strconv.Itoa(size) + "\n")); err != nil {
				return
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(reader, buf); err != nil {
				return
			}
			a.mtx.Lock()
			a.payload = buf
			a.mtx.Unlock()
		}

		for _, out := range a.respond(line) {
			if _, err := conn.Write([]byte(out + "\n")); err != nil {
				return
			}
		}
	}
}

// countingOpener records whether any channel was opened
type countingOpener struct {
	inner  transport.Opener
	opened atomic.Int32
}

func (o *countingOpener) Open(ep transport.Endpoint) (transport.Channel, error) {
	o.opened.Add(1)
	return o.inner.Open(ep)
}

// newTestRouter builds a router over the given device descriptors
func newTestRouter(t *testing.T, devices map[string]string, pipeline *build.Pipeline) (*Router, *countingOpener) {
	t.Helper()

	endpoints := make(map[string]transport.Endpoint, len(devices))
	for name, desc := range devices {
		ep, err := transport.ParseEndpoint(desc)
		require.NoError(t, err)
		endpoints[name] = ep
	}

	opener := &countingOpener{inner: transport.NewDialer(time.Second)}
	engine := protocol.NewEngine(opener, protocol.Timeouts{Ack: time.Second, Status: time.Second}, nil)
	router := NewRouter(config.NewDeviceTable(endpoints), engine, pipeline, 10*time.Second)
	return router, opener
}

// startTestServer serves router on a loopback port until the test ends
func startTestServer(t *testing.T, router *Router) *Server {
	t.Helper()

	srv := NewServer("127.0.0.1:0", router, 2*time.Second)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}
