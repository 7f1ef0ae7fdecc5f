package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kernelmux/kernelmux/internal/channel"
	"github.com/kernelmux/kernelmux/internal/client"
	"github.com/kernelmux/kernelmux/internal/config"
	"github.com/kernelmux/kernelmux/internal/connect"
	"github.com/kernelmux/kernelmux/internal/wire"
)

func writeConnFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel-attached.json")
	info := &connect.Info{
		Transport:       "ws",
		IP:              "127.0.0.1",
		ShellPort:       50001,
		IOPubPort:       50002,
		StdinPort:       50003,
		ControlPort:     50004,
		HBPort:          50005,
		SignatureScheme: connect.DefaultSignatureScheme,
		Key:             "attached-key",
	}
	if err := connect.WriteFile(path, info); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeKernel serves the far end of every channel over in-memory pipes,
// echoing heartbeats and answering shell requests.
type fakeKernel struct {
	dialer  *channel.PipeDialer
	session *wire.Session

	mu   sync.Mutex
	fars map[channel.Role]channel.Socket
}

func newFakeKernel(t *testing.T) *fakeKernel {
	t.Helper()
	f := &fakeKernel{
		dialer:  channel.NewPipeDialer(),
		session: wire.NewSession("attached-key", "", "kernel"),
		fars:    make(map[channel.Role]channel.Socket),
	}
	for _, role := range []channel.Role{channel.RoleShell, channel.RoleIOPub, channel.RoleStdin, channel.RoleControl} {
		role := role
		f.dialer.RegisterFunc(role, func() (channel.Socket, error) {
			near, far := channel.NewPipe(16)
			f.mu.Lock()
			f.fars[role] = far
			f.mu.Unlock()
			if role == channel.RoleShell {
				go f.serveShell(far)
			}
			return near, nil
		})
	}
	f.dialer.RegisterFunc(channel.RoleHB, func() (channel.Socket, error) {
		near, far := channel.NewPipe(16)
		go func() {
			for {
				data, err := far.Recv()
				if err != nil {
					return
				}
				if err := far.Send(data); err != nil {
					return
				}
			}
		}()
		return near, nil
	})
	return f
}

func (f *fakeKernel) far(role channel.Role) channel.Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fars[role]
}

func (f *fakeKernel) serveShell(far channel.Socket) {
	for {
		data, err := far.Recv()
		if err != nil {
			return
		}
		req, err := f.session.Deserialize(data)
		if err != nil {
			continue
		}
		repType := strings.TrimSuffix(req.Header.MsgType, "_request") + "_reply"
		reply, err := f.session.NewReply(repType, req, map[string]string{"status": "ok"})
		if err != nil {
			return
		}
		out, err := f.session.Serialize(reply)
		if err != nil {
			return
		}
		if err := far.Send(out); err != nil {
			return
		}
	}
}

func (f *fakeKernel) publishIOPub(t *testing.T, msgType string) {
	t.Helper()
	msg, err := f.session.NewMessage(msgType, map[string]string{"execution_state": "busy"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.session.Serialize(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.far(channel.RoleIOPub).Send(out); err != nil {
		t.Fatal(err)
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Timeouts.Shutdown = 200 * time.Millisecond
	cfg.Timeouts.Call = 2 * time.Second
	cfg.Loop.PollWait = 5 * time.Millisecond
	cfg.Heartbeat.Period = 20 * time.Millisecond
	cfg.Heartbeat.TimeToDead = 50 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *fakeKernel, *httptest.Server) {
	t.Helper()
	f := newFakeKernel(t)
	reg := client.NewRegistry()
	s := NewServer(cfg, reg, f.dialer)

	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, f, ts
}

// startKernel attaches a fake kernel via the REST API and returns its id.
func startKernel(t *testing.T, ts *httptest.Server) KernelInfo {
	t.Helper()
	body, _ := json.Marshal(StartRequest{ConnectionFile: writeConnFile(t)})
	resp, err := http.Post(ts.URL+"/api/kernels", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/kernels = %d, want 201", resp.StatusCode)
	}
	var info KernelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	return info
}

func TestListKernelsEmpty(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/api/kernels")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/kernels = %d, want 200", resp.StatusCode)
	}
	var infos []KernelInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("got %d kernels, want 0", len(infos))
	}
}

func TestStartRequestValidation(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())

	cases := []struct {
		name string
		body string
	}{
		{"empty", `{}`},
		{"both", `{"name":"python3","connection_file":"/tmp/x.json"}`},
		{"garbage", `not json`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/kernels", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestKernelLifecycleOverREST(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())
	info := startKernel(t, ts)

	if info.State != "alive" || !info.Alive {
		t.Errorf("started kernel state = %q alive=%v", info.State, info.Alive)
	}

	resp, err := http.Get(ts.URL + "/api/kernels/" + info.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET one kernel = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/kernels/"+info.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE kernel = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/kernels/" + info.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownKernel(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/api/kernels/no-such-kernel")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAuthToken(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AuthToken = "sekret"
	_, _, ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/api/kernels")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", resp.StatusCode)
	}

	authorized := []func(r *http.Request){
		func(r *http.Request) { q := r.URL.Query(); q.Set("token", "sekret"); r.URL.RawQuery = q.Encode() },
		func(r *http.Request) { r.Header.Set("X-Kernelmux-Token", "sekret") },
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer sekret") },
	}
	for i, apply := range authorized {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/kernels", nil)
		apply(req)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("auth variant %d = %d, want 200", i, resp.StatusCode)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}
	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func wsDial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) (MessageType, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	return msg.Type, msg.Payload
}

func TestWSSnapshotThenStream(t *testing.T) {
	_, f, ts := newTestServer(t, testConfig())
	info := startKernel(t, ts)
	conn := wsDial(t, ts, "/ws/kernels/"+info.ID)

	typ, payload := readWS(t, conn)
	if typ != MsgSnapshot {
		t.Fatalf("first message = %q, want snapshot", typ)
	}
	var snap KernelInfo
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ID != info.ID || !snap.Alive {
		t.Errorf("snapshot = %+v", snap)
	}

	f.publishIOPub(t, "status")
	typ, payload = readWS(t, conn)
	if typ != MsgIOPub {
		t.Fatalf("second message = %q, want iopub", typ)
	}
	var pub ReplyPayload
	if err := json.Unmarshal(payload, &pub); err != nil {
		t.Fatal(err)
	}
	if pub.Message.Header.MsgType != "status" {
		t.Errorf("iopub type = %q, want status", pub.Message.Header.MsgType)
	}
}

func TestWSCallReply(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())
	info := startKernel(t, ts)
	conn := wsDial(t, ts, "/ws/kernels/"+info.ID)

	if typ, _ := readWS(t, conn); typ != MsgSnapshot {
		t.Fatal("no snapshot")
	}

	call := map[string]any{
		"type":    MsgCall,
		"payload": CallPayload{MsgType: "kernel_info_request"},
	}
	if err := conn.WriteJSON(call); err != nil {
		t.Fatal(err)
	}

	typ, payload := readWS(t, conn)
	if typ != MsgReply {
		t.Fatalf("got %q, want reply", typ)
	}
	var rep ReplyPayload
	if err := json.Unmarshal(payload, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Message.Header.MsgType != "kernel_info_reply" {
		t.Errorf("reply type = %q, want kernel_info_reply", rep.Message.Header.MsgType)
	}
}

func TestWSUnknownKernel(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/kernels/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial to unknown kernel succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("upgrade response = %+v, want 404", resp)
	}
}
