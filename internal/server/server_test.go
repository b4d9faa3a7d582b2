package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/agentsync/internal/limits"
	"github.com/adred-codev/agentsync/internal/model"
	"github.com/adred-codev/agentsync/internal/protocol"
	"github.com/adred-codev/agentsync/internal/registry"
	"github.com/adred-codev/agentsync/internal/router"
	"github.com/adred-codev/agentsync/internal/store"
	"github.com/adred-codev/agentsync/internal/types"
	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	store    *store.Memory
	registry *registry.Registry
	wsURL    string
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWrapped(t, nil, opts...)
}

// newTestEnvWrapped lets wrap stand between the router and the memory store.
func newTestEnvWrapped(t *testing.T, wrap func(*store.Memory, *Hub) store.Store, opts ...func(*Config)) *testEnv {
	t.Helper()
	hub := NewHub()
	reg := registry.New()
	st := store.NewMemory()
	var routed store.Store = st
	if wrap != nil {
		routed = wrap(st, hub)
	}
	rt := router.New(router.Config{
		Store:    routed,
		Registry: reg,
		Limits:   limits.NewSet(limits.DefaultSetConfig()),
		Hub:      hub,
		Logger:   zerolog.Nop(),
	})
	cfg := Config{
		Hub:           hub,
		Router:        rt,
		Registry:      reg,
		Store:         st,
		PingInterval:  4 * time.Second,
		PongWait:      5 * time.Second,
		ShutdownGrace: 2 * time.Second,
		Logger:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	srv := New(cfg)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		hs.Close()
	})
	return &testEnv{
		srv:      srv,
		http:     hs,
		store:    st,
		registry: reg,
		wsURL:    "ws://" + strings.TrimPrefix(hs.URL, "http://") + "/ws",
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return f
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, conn); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame within 20 frames", typ)
	return frame{}
}

func send(t *testing.T, conn *websocket.Conn, in protocol.Inbound) {
	t.Helper()
	raw, err := protocol.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("ReadMessage err = %v, want close frame", err)
	}
}

// --- End to end ---

func TestConnectReceivesSnapshotFirst(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.UpsertAgent(context.Background(), &model.Agent{ID: "A", Name: "a", Status: model.AgentOffline, Capabilities: []string{}}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	f := readFrame(t, env.dial(t))
	if f.Type != "initial-snapshot" {
		t.Fatalf("first frame = %s, want initial-snapshot", f.Type)
	}
	if f.Timestamp == 0 {
		t.Error("frame has no timestamp")
	}
	var snap protocol.InitialSnapshot
	if err := json.Unmarshal(f.Data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].ID != "A" {
		t.Errorf("snapshot agents = %+v", snap.Agents)
	}
}

func TestRegisterFansOutToEveryClient(t *testing.T) {
	env := newTestEnv(t)
	agent := env.dial(t)
	dash := env.dial(t)
	readUntil(t, agent, "initial-snapshot")
	readUntil(t, dash, "initial-snapshot")

	send(t, agent, &protocol.Register{ID: "A", Name: "builder", AgentType: "worker", Capabilities: []string{"backend"}})

	for name, conn := range map[string]*websocket.Conn{"agent": agent, "dash": dash} {
		f := readUntil(t, conn, "agent-update")
		var got protocol.AgentChanged
		if err := json.Unmarshal(f.Data, &got); err != nil {
			t.Fatalf("%s: unmarshal: %v", name, err)
		}
		if got.ChangeType != protocol.ChangeRegistered || got.Agent.ID != "A" {
			t.Errorf("%s saw %+v", name, got)
		}
	}
}

func TestDisconnectMarksAgentOffline(t *testing.T) {
	env := newTestEnv(t)
	agent := env.dial(t)
	dash := env.dial(t)
	readUntil(t, agent, "initial-snapshot")
	readUntil(t, dash, "initial-snapshot")

	send(t, agent, &protocol.Register{ID: "A", Name: "builder"})
	readUntil(t, dash, "agent-update")

	agent.Close()

	f := readUntil(t, dash, "agent-update")
	var got protocol.AgentChanged
	if err := json.Unmarshal(f.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ChangeType != protocol.ChangeDisconnected {
		t.Fatalf("changeType = %s, want disconnected", got.ChangeType)
	}
	a, err := env.store.GetAgent(context.Background(), "A")
	if err != nil || a.Status != model.AgentOffline {
		t.Errorf("agent = %+v, %v; want offline", a, err)
	}
}

func TestPingAndErrorsReachOriginatorOnly(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.dial(t)
	c2 := env.dial(t)
	readUntil(t, c1, "initial-snapshot")
	readUntil(t, c2, "initial-snapshot")

	if err := c1.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if f := readFrame(t, c1); f.Type != "error" {
		t.Fatalf("reply = %s, want error", f.Type)
	}
	send(t, c1, &protocol.Ping{})
	if f := readFrame(t, c1); f.Type != "pong" {
		t.Fatalf("reply = %s, want pong", f.Type)
	}

	// c2 must not have seen either reply.
	c2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := c2.ReadMessage(); err == nil {
		t.Errorf("c2 received %s", data)
	}
}

func TestUpgradeRateLimited(t *testing.T) {
	crl := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst: 1,
		IPRate:  0.01,
		Logger:  zerolog.Nop(),
	})
	defer crl.Stop()
	env := newTestEnv(t, func(c *Config) { c.ConnLimiter = crl })

	env.dial(t)
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	if err == nil {
		t.Fatal("second upgrade from the same IP should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp = %+v, want 429", resp)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
}

func TestMaxConnections(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxConnections = 1 })
	first := env.dial(t)
	readUntil(t, first, "initial-snapshot")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	if err == nil {
		t.Fatal("upgrade beyond MaxConnections should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %+v, want 503", resp)
	}
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxMessageBytes = 128 })
	conn := env.dial(t)
	readUntil(t, conn, "initial-snapshot")

	big := `{"type":"ping","data":{"pad":"` + strings.Repeat("x", 1024) + `"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if code := closeCode(t, conn); code != int(ws.StatusMessageTooBig) {
		t.Errorf("close code = %d, want %d", code, ws.StatusMessageTooBig)
	}
}

func TestShutdownClosesClientsWithGoingAway(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	readUntil(t, conn, "initial-snapshot")

	done := make(chan error, 1)
	go func() { done <- env.srv.Shutdown(context.Background()) }()

	if code := closeCode(t, conn); code != int(ws.StatusGoingAway) {
		t.Errorf("close code = %d, want %d", code, ws.StatusGoingAway)
	}
	conn.Close()
	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := env.registry.Len(); n != 0 {
		t.Errorf("registry still holds %d connections", n)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("upgrade after shutdown: resp %+v err %v, want 503", resp, err)
	}
}

func TestHealthReportsConnections(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	readUntil(t, conn, "initial-snapshot")

	resp, err := http.Get(env.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var h types.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != healthStatusHealthy || h.Connections != 1 || h.Store != "ok" {
		t.Errorf("health = %+v", h)
	}
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	resp, err := http.Get(env.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// --- Units ---

func TestClientFullBufferClosesInsteadOfSkipping(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	c := newClient("c1", "127.0.0.1", a, 1)

	if !c.Send([]byte("1")) {
		t.Fatal("first send should fit the buffer")
	}
	if c.Send([]byte("2")) {
		t.Fatal("send into a full buffer should fail")
	}
	if r := c.closedReason(); r != DisconnectReasonSlowClient {
		t.Errorf("closedReason = %q, want %q", r, DisconnectReasonSlowClient)
	}
	select {
	case <-c.done:
	default:
		t.Fatal("slow client was not closed")
	}
	if c.Send([]byte("3")) {
		t.Error("send after close should fail")
	}
}

func TestHubBroadcastKeepsOrderPerClient(t *testing.T) {
	h := NewHub()
	var clients []*Client
	for _, id := range []string{"a", "b", "c"} {
		p, q := net.Pipe()
		defer p.Close()
		defer q.Close()
		c := newClient(id, "", p, 8)
		h.join(c, func() { c.Send([]byte("0")) })
		clients = append(clients, c)
	}
	for _, msg := range []string{"1", "2", "3"} {
		if n := h.Broadcast([]byte(msg)); n != 3 {
			t.Fatalf("Broadcast reached %d clients, want 3", n)
		}
	}
	for _, c := range clients {
		var got []string
		for i := 0; i < 4; i++ {
			got = append(got, string(<-c.send))
		}
		if strings.Join(got, "") != "0123" {
			t.Errorf("%s received %v", c.id, got)
		}
	}

	h.remove(clients[0])
	if h.SendTo("a", []byte("x")) {
		t.Error("SendTo a removed client succeeded")
	}
	if !h.SendTo("b", []byte("x")) {
		t.Error("SendTo b failed")
	}
}

// listHookStore runs afterList once, right after the first agent list read.
type listHookStore struct {
	*store.Memory
	once      sync.Once
	afterList func()
}

func (s *listHookStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	agents, err := s.Memory.ListAgents(ctx)
	s.once.Do(s.afterList)
	return agents, err
}

func TestSnapshotPrecedesConcurrentFanOut(t *testing.T) {
	fannedOut := make(chan struct{})
	e := newTestEnvWrapped(t, func(m *store.Memory, hub *Hub) store.Store {
		return &listHookStore{Memory: m, afterList: func() {
			// A change committed after the snapshot read fans out while the
			// snapshot is still on its way.
			go func() {
				defer close(fannedOut)
				now := time.Now()
				a := model.Agent{ID: "A", Name: "late", Status: model.AgentActive, Capabilities: []string{}, LastActivity: now, CreatedAt: now}
				if err := m.UpsertAgent(context.Background(), &a); err != nil {
					t.Errorf("UpsertAgent: %v", err)
					return
				}
				data, err := protocol.Encode(protocol.AgentChanged{ChangeType: protocol.ChangeRegistered, Agent: a}, now)
				if err != nil {
					t.Errorf("Encode: %v", err)
					return
				}
				hub.Broadcast(data)
			}()
			select {
			case <-fannedOut:
			case <-time.After(200 * time.Millisecond):
			}
		}}
	})

	conn := e.dial(t)
	if f := readFrame(t, conn); f.Type != "initial-snapshot" {
		t.Fatalf("first frame = %s %s, want initial-snapshot", f.Type, f.Data)
	}
	f := readFrame(t, conn)
	if f.Type != "agent-update" || !strings.Contains(string(f.Data), `"late"`) {
		t.Fatalf("second frame = %s %s, want the concurrent agent-update", f.Type, f.Data)
	}
	select {
	case <-fannedOut:
	case <-time.After(3 * time.Second):
		t.Fatal("concurrent broadcast never finished")
	}
}

func TestSubscriptionSetList(t *testing.T) {
	s := NewSubscriptionSet()
	s.AddMultiple([]string{"tasks", "agents", "tasks"})
	if got := strings.Join(s.List(), ","); got != "agents,tasks" {
		t.Errorf("List = %s", got)
	}
	if !s.Has("agents") || s.Count() != 2 {
		t.Errorf("Has/Count wrong: %v %d", s.Has("agents"), s.Count())
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr", "10.0.0.1:5000", "", "10.0.0.1"},
		{"forwarded chain", "10.0.0.1:5000", "203.0.113.7, 10.0.0.2", "203.0.113.7"},
		{"no port", "10.0.0.1", "", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := getClientIP(r); got != tt.want {
				t.Errorf("getClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
