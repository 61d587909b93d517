package gateway

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip sends raw request bytes and returns the reply line
func roundTrip(t *testing.T, addr net.Addr, request string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)
	if !strings.HasSuffix(request, "\n") {
		require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return reply
}

func TestServerStartWithResult(t *testing.T) {
	agent := startFakeAgent(t, func(line string) []string {
		if strings.HasPrefix(line, "START ") {
			return []string{"START_OK", "RESULT status=DONE value=1"}
		}
		return nil
	})
	router, _ := newTestRouter(t, map[string]string{"nucleo": agent.endpoint()}, nil)
	srv := startTestServer(t, router)

	reply := roundTrip(t, srv.Addr(),
		`{"device":"nucleo","cmd":"start","module_id":"m1","func_name":"blink","wait_result":true,"result_timeout":5}`+"\n")
	assert.Equal(t, `{"ok":true,"detail":"RESULT status=DONE value=1"}`+"\n", reply)
}

func TestServerInvalidJSON(t *testing.T) {
	router, _ := newTestRouter(t, map[string]string{"nucleo": "tcp:127.0.0.1:1"}, nil)
	srv := startTestServer(t, router)

	reply := roundTrip(t, srv.Addr(), "{not json\n")
	assert.True(t, strings.HasPrefix(reply, `{"ok":false,"error":"invalid json: `), reply)
}

func TestServerEmptyRequest(t *testing.T) {
	router, _ := newTestRouter(t, map[string]string{"nucleo": "tcp:127.0.0.1:1"}, nil)
	srv := startTestServer(t, router)

	reply := roundTrip(t, srv.Addr(), "")
	assert.True(t, strings.HasPrefix(reply, `{"ok":false,"error":"invalid json: `), reply)
}

func TestServerRequestWithoutNewline(t *testing.T) {
	router, opener := newTestRouter(t, map[string]string{"nucleo": "tcp:127.0.0.1:1"}, nil)
	srv := startTestServer(t, router)

	reply := roundTrip(t, srv.Addr(), `  {"device":"stm32","cmd":"status"}  `)
	assert.Equal(t, `{"ok":false,"error":"unknown device: stm32"}`+"\n", reply)
	assert.Zero(t, opener.opened.Load())
}

func TestServerRequestReadTimeout(t *testing.T) {
	router, _ := newTestRouter(t, map[string]string{"nucleo": "tcp:127.0.0.1:1"}, nil)
	srv := NewServer("127.0.0.1:0", router, 100*time.Millisecond)
	require.NoError(t, srv.Listen())
	go srv.Serve(t.Context())
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"device":`))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"ok":false,"error":"timeout waiting for request"}`+"\n", reply)
}

func TestServerConcurrentClients(t *testing.T) {
	agent := startFakeAgent(t, func(line string) []string {
		time.Sleep(50 * time.Millisecond)
		return []string{`STATUS_OK modules="none" runner=IDLE`}
	})
	router, _ := newTestRouter(t, map[string]string{"disco": agent.endpoint()}, nil)
	srv := startTestServer(t, router)

	var wg sync.WaitGroup
	replies := make([]string, 8)
	start := time.Now()
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = roundTrip(t, srv.Addr(), `{"device":"disco","cmd":"status"}`+"\n")
		}(i)
	}
	wg.Wait()

	for _, r := range replies {
		assert.Equal(t, `{"ok":true,"detail":"STATUS_OK modules=\"none\" runner=IDLE"}`+"\n", r)
	}
	// served in parallel, not one after another
	assert.Less(t, time.Since(start), 8*50*time.Millisecond)
	assert.EqualValues(t, 8, agent.conns.Load())
}

func TestServerFailingConnectionDoesNotAffectListener(t *testing.T) {
	router, _ := newTestRouter(t, map[string]string{"nucleo": "tcp:127.0.0.1:1"}, nil)
	srv := startTestServer(t, router)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	conn.Close()

	reply := roundTrip(t, srv.Addr(), `{"device":"nucleo","cmd":"nope"}`+"\n")
	assert.Equal(t, `{"ok":false,"error":"unknown command: nope"}`+"\n", reply)
}

func TestServerStop(t *testing.T) {
	router, _ := newTestRouter(t, map[string]string{"nucleo": "tcp:127.0.0.1:1"}, nil)
	srv := NewServer("127.0.0.1:0", router, time.Second)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(t.Context()) }()

	srv.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)

	// second stop is a no-op
	srv.Stop()
}

func TestReadRequestTooLarge(t *testing.T) {
	_, err := readRequest(strings.NewReader(strings.Repeat("x", MaxRequestSize+10)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request too large")
}
