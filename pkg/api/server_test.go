package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwoglom/wasmgw/pkg/config"
	"github.com/jwoglom/wasmgw/pkg/emulator"
	"github.com/jwoglom/wasmgw/pkg/gateway"
	"github.com/jwoglom/wasmgw/pkg/metrics"
	"github.com/jwoglom/wasmgw/pkg/protocol"
	"github.com/jwoglom/wasmgw/pkg/transport"
)

func newTestAPI(t *testing.T) (*httptest.Server, *prometheus.Registry) {
	t.Helper()

	agent := emulator.NewAgent(emulator.BuiltinFunctions(time.Millisecond))
	emu := emulator.NewServer("127.0.0.1:0", agent)
	require.NoError(t, emu.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		emu.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	emuEp, err := transport.ParseEndpoint(emu.Endpoint())
	require.NoError(t, err)
	serialEp, err := transport.ParseEndpoint("/dev/ttyACM0")
	require.NoError(t, err)

	devices := config.NewDeviceTable(map[string]transport.Endpoint{
		"emu":    emuEp,
		"nucleo": serialEp,
	})
	engine := protocol.NewEngine(transport.NewDialer(time.Second), protocol.DefaultTimeouts(), nil)
	router := gateway.NewRouter(devices, engine, nil, time.Second)

	reg := prometheus.NewRegistry()
	router.SetMetrics(metrics.New(reg))

	srv := httptest.NewServer(New("127.0.0.1:0", router, reg))
	t.Cleanup(srv.Close)
	return srv, reg
}

func TestHelp(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/api/request")

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDevices(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()

	var devices []Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&devices))
	require.Len(t, devices, 2)
	assert.Equal(t, "emu", devices[0].Name)
	assert.Equal(t, "socket", devices[0].Kind)
	assert.Equal(t, Device{Name: "nucleo", Endpoint: "/dev/ttyACM0", Kind: "serial"}, devices[1])

	resp, err = http.Post(srv.URL+"/api/devices", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func postRequest(t *testing.T, srv *httptest.Server, body string) (*gateway.Reply, int) {
	t.Helper()

	resp, err := http.Post(srv.URL+"/api/request", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply gateway.Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return &reply, resp.StatusCode
}

func TestRequestAPI(t *testing.T) {
	srv, _ := newTestAPI(t)

	reply, code := postRequest(t, srv, `{"device":"emu","cmd":"status"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, reply.OK)
	assert.Equal(t, `STATUS_OK modules="none" runner=IDLE`, reply.Detail)

	reply, code = postRequest(t, srv, `{"device":"ghost","cmd":"status"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, reply.OK)
	assert.Equal(t, "unknown device: ghost", reply.Error)

	reply, _ = postRequest(t, srv, `{"device":`)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "invalid json")
}

func TestWebSocket(t *testing.T) {
	srv, _ := newTestAPI(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	requests := []struct {
		msg  string
		ok   bool
		text string
	}{
		{`{"device":"emu","cmd":"status"}`, true, "STATUS_OK"},
		{`{"device":"emu","cmd":"reboot"}`, false, "unknown command: reboot"},
		{`{"device":"emu","cmd":"stop","module_id":"app"}`, true, "STOP_OK status=IDLE"},
	}

	for _, r := range requests {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(r.msg)))

		_, data, err := ws.ReadMessage()
		require.NoError(t, err)

		var reply gateway.Reply
		require.NoError(t, json.Unmarshal(data, &reply))
		assert.Equal(t, r.ok, reply.OK, r.msg)
		if r.ok {
			assert.Contains(t, reply.Detail, r.text)
		} else {
			assert.Equal(t, r.text, reply.Error)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestAPI(t)

	postRequest(t, srv, `{"device":"emu","cmd":"status"}`)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `wasmgw_requests_total{cmd="status",device="emu",outcome="ok"} 1`)
}

func TestStartAndShutdown(t *testing.T) {
	devices := config.NewDeviceTable(nil)
	engine := protocol.NewEngine(transport.NewDialer(time.Second), protocol.DefaultTimeouts(), nil)
	s := New("127.0.0.1:0", gateway.NewRouter(devices, engine, nil, time.Second), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
