// Package gateway exposes the kernel registry over HTTP: REST endpoints
// for lifecycle operations and a per-kernel websocket that streams iopub
// output and carries shell calls.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/kernelmux/kernelmux/internal/channel"
	"github.com/kernelmux/kernelmux/internal/client"
	"github.com/kernelmux/kernelmux/internal/config"
	"github.com/kernelmux/kernelmux/internal/kernel"
	"github.com/kernelmux/kernelmux/internal/wire"
)

type Server struct {
	cfg            *config.Config
	registry       *client.Registry
	dialer         channel.Dialer
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string

	// newProcess builds the kernel process for a start request. Swapped
	// out by tests.
	newProcess func(req StartRequest) (*kernel.Process, error)
}

func NewServer(cfg *config.Config, registry *client.Registry, dialer channel.Dialer) *Server {
	s := &Server{
		cfg:            cfg,
		registry:       registry,
		dialer:         dialer,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
	}
	s.newProcess = s.defaultNewProcess

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

func (s *Server) defaultNewProcess(req StartRequest) (*kernel.Process, error) {
	if req.ConnectionFile != "" {
		return kernel.NewFromConnectionFile(req.ConnectionFile), nil
	}
	spec, err := kernel.FindSpec(req.Name, s.cfg.Kernels.SpecDirs)
	if err != nil {
		return nil, err
	}
	return kernel.NewFromSpec(spec, kernel.LaunchOptions{
		ConnectionDir: s.cfg.Kernels.ConnectionDir,
		IP:            s.cfg.Kernels.IP,
		Transport:     s.cfg.Kernels.Transport,
		FileWaitTime:  s.cfg.Timeouts.ConnectionFile,
	}), nil
}

func (s *Server) clientOptions() client.Options {
	return client.Options{
		PollWait:         s.cfg.Loop.PollWait,
		LoopStartTimeout: s.cfg.Loop.StartTimeout,
		LoopStopTimeout:  s.cfg.Loop.StopTimeout,
		HBPeriod:         s.cfg.Heartbeat.Period,
		HBTimeToDead:     s.cfg.Heartbeat.TimeToDead,
		HBMaxFailures:    s.cfg.Heartbeat.MaxFailures,
		CallTimeout:      s.cfg.Timeouts.Call,
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/kernels", s.handleKernels)
	mux.HandleFunc("/api/kernels/", s.handleKernelRoutes)
	mux.HandleFunc("/ws/kernels/", s.handleWS)
}

func kernelInfo(c *client.Client) KernelInfo {
	p := c.Kernel()
	id := c.Key()
	if id == "" {
		id = p.ID()
	}
	return KernelInfo{
		ID:                id,
		Name:              p.Spec().Name,
		State:             p.State().String(),
		Alive:             c.IsAlive(),
		HeartbeatFailures: c.HeartbeatFailures(),
	}
}

func (s *Server) handleKernels(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		infos := []KernelInfo{}
		for _, c := range s.registry.All() {
			infos = append(infos, kernelInfo(c))
		}
		writeJSON(w, http.StatusOK, infos)
	case http.MethodPost:
		s.handleStart(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if (req.Name == "") == (req.ConnectionFile == "") {
		http.Error(w, "exactly one of name or connection_file required", http.StatusBadRequest)
		return
	}

	proc, err := s.newProcess(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	c, err := s.registry.GetOrCreate(proc.ID(), func() (*client.Client, error) {
		cl := client.New(proc, s.dialer, s.clientOptions())
		if err := cl.Start(); err != nil {
			return nil, err
		}
		return cl, nil
	})
	if err != nil {
		log.Printf("[gateway] kernel start failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, kernelInfo(c))
}

// handleKernelRoutes dispatches /api/kernels/{id}[/op].
func (s *Server) handleKernelRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/kernels/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid kernel id", http.StatusBadRequest)
		return
	}
	c, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}

	op := ""
	if len(parts) == 2 {
		op = parts[1]
	}

	switch {
	case op == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, kernelInfo(c))
	case op == "" && r.Method == http.MethodDelete:
		if err := c.Shutdown(false, s.cfg.Timeouts.Shutdown); err != nil {
			log.Printf("[gateway] shutdown of %s: %v", id, err)
		}
		w.WriteHeader(http.StatusNoContent)
	case op == "interrupt" && r.Method == http.MethodPost:
		if err := c.Interrupt(s.cfg.Timeouts.Interrupt); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case op == "restart" && r.Method == http.MethodPost:
		if err := c.Restart(s.cfg.Timeouts.Shutdown); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, kernelInfo(c))
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/ws/kernels/")
	c, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade: %v", err)
		return
	}
	log.Printf("[gateway] client connected to kernel %s from %s", id, r.RemoteAddr)

	sub := c.Hub().Subscribe()
	defer sub.Close()

	// One writer goroutine owns the connection; everything outbound goes
	// through out. The snapshot is queued before the pumps start so it is
	// always the first frame the client sees.
	out := make(chan WSMessage, 64)
	out <- WSMessage{Type: MsgSnapshot, Payload: kernelInfo(c)}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		defer conn.Close()
		for {
			select {
			case msg := <-out:
				if err := conn.WriteJSON(msg); err != nil {
					return err
				}
			case <-ctx.Done():
				// Flush whatever is already queued (a dead notice, a
				// final reply) before dropping the connection.
				for {
					select {
					case msg := <-out:
						if err := conn.WriteJSON(msg); err != nil {
							return ctx.Err()
						}
					default:
						return ctx.Err()
					}
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case msg, ok := <-sub.Feed():
				if !ok {
					// Feed closes when the kernel dies or the client is
					// torn down.
					s.send(ctx, out, WSMessage{Type: MsgDead})
					return fmt.Errorf("kernel %s feed closed", id)
				}
				s.send(ctx, out, WSMessage{Type: MsgIOPub, Payload: ReplyPayload{Message: msg}})
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	g.Go(func() error {
		for {
			var in struct {
				Type    MessageType     `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := conn.ReadJSON(&in); err != nil {
				return err
			}
			s.handleInbound(ctx, c, in.Type, in.Payload, out)
		}
	})

	if err := g.Wait(); err != nil {
		log.Printf("[gateway] client for kernel %s disconnected: %v", id, err)
	}
}

func (s *Server) handleInbound(ctx context.Context, c *client.Client, typ MessageType, payload json.RawMessage, out chan<- WSMessage) {
	switch typ {
	case MsgCall:
		var call CallPayload
		if err := json.Unmarshal(payload, &call); err != nil || call.MsgType == "" {
			s.send(ctx, out, WSMessage{Type: MsgError, Payload: ErrorPayload{Error: "malformed call"}})
			return
		}
		go func() {
			reply, err := c.Call(call.MsgType, call.Content, s.cfg.Timeouts.Call)
			if err != nil {
				s.send(ctx, out, WSMessage{Type: MsgError, Payload: ErrorPayload{Error: err.Error()}})
				return
			}
			s.send(ctx, out, WSMessage{Type: MsgReply, Payload: ReplyPayload{Message: reply}})
		}()
	case MsgInput:
		var in InputPayload
		if err := json.Unmarshal(payload, &in); err != nil || in.ParentMsgID == "" {
			s.send(ctx, out, WSMessage{Type: MsgError, Payload: ErrorPayload{Error: "malformed input"}})
			return
		}
		parent := &wire.Message{Header: wire.Header{MsgID: in.ParentMsgID, MsgType: "input_request"}}
		if err := c.Input(parent, in.Value); err != nil {
			s.send(ctx, out, WSMessage{Type: MsgError, Payload: ErrorPayload{Error: err.Error()}})
		}
	default:
		s.send(ctx, out, WSMessage{Type: MsgError, Payload: ErrorPayload{Error: "unknown message type"}})
	}
}

// send queues msg for the writer unless the connection is going away.
func (s *Server) send(ctx context.Context, out chan<- WSMessage, msg WSMessage) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Kernelmux-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway] encoding response: %v", err)
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("[gateway] listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
