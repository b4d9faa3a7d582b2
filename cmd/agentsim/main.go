// Command agentsim connects a fleet of simulated agents to an agentsync
// server. Each agent registers, subscribes and then keeps sending status
// updates, messages and pings, so the fan-out path, the rate limiter and the
// reaper can be observed under load.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adred-codev/agentsync/internal/model"
	"github.com/adred-codev/agentsync/internal/protocol"
	"github.com/adred-codev/agentsync/internal/types"
	"github.com/gorilla/websocket"
)

type Config struct {
	WSURL             string
	HealthURL         string
	Agents            int
	RampRate          int // agents per second
	Duration          time.Duration
	ActionInterval    time.Duration
	ReportInterval    time.Duration
	ConnectionTimeout time.Duration
	Channels          []string
	// QuietShare is the fraction of agents that register and then go silent,
	// for watching the reaper unbind them.
	QuietShare float64
}

// Stats is shared by every simulated agent.
type Stats struct {
	active      atomic.Int64
	created     atomic.Int64
	failed      atomic.Int64
	sent        atomic.Int64
	received    atomic.Int64
	rateLimited atomic.Int64
	errors      atomic.Int64

	mu     sync.Mutex
	byType map[string]int64
}

func (s *Stats) countFrame(typ string) {
	s.received.Add(1)
	s.mu.Lock()
	s.byType[typ]++
	s.mu.Unlock()
}

func (s *Stats) frameTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byType))
	for typ, n := range s.byType {
		out = append(out, fmt.Sprintf("%s=%d", typ, n))
	}
	sort.Strings(out)
	return out
}

func main() {
	cfg := parseFlags()
	stats := &Stats{byType: make(map[string]int64)}

	log.Printf("%s", strings.Repeat("=", 60))
	log.Printf("agentsim: %d agents against %s", cfg.Agents, cfg.WSURL)
	log.Printf("   Ramp:     %d agents/sec", cfg.RampRate)
	log.Printf("   Duration: %s", cfg.Duration)
	log.Printf("   Actions:  every %s per agent", cfg.ActionInterval)
	log.Printf("   Quiet:    %.0f%% of agents stop after registering", cfg.QuietShare*100)
	log.Printf("%s", strings.Repeat("=", 60))

	if h, err := checkHealth(cfg.HealthURL); err != nil {
		log.Fatalf("Server health check failed: %v", err)
	} else {
		log.Printf("Server %s, %d connections, store %s", h.Status, h.Connections, h.Store)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Received shutdown signal, closing agents...")
		cancel()
	}()

	go report(ctx, cfg, stats)

	var wg sync.WaitGroup
	ramp(ctx, cfg, stats, &wg)

	select {
	case <-time.After(cfg.Duration):
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	printReport(stats)
}

func parseFlags() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:3002/ws"), "WebSocket server URL")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:3002/health"), "Health check URL")
	flag.IntVar(&cfg.Agents, "agents", getEnvInt("AGENTS", 50), "Number of simulated agents")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 10), "Agents connected per second")
	flag.DurationVar(&cfg.Duration, "duration", 2*time.Minute, "How long to keep agents connected after ramp-up")
	flag.DurationVar(&cfg.ActionInterval, "interval", 2*time.Second, "Mean time between actions of one agent")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "Report interval")
	flag.DurationVar(&cfg.ConnectionTimeout, "connection-timeout", 10*time.Second, "Handshake timeout")
	flag.Float64Var(&cfg.QuietShare, "quiet", 0, "Fraction of agents that go silent after registering (0-1)")
	channels := flag.String("channels", getEnv("CHANNELS", "agents,tasks,projects"), "Comma-separated channels to subscribe")
	flag.Parse()

	for _, ch := range strings.Split(*channels, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			cfg.Channels = append(cfg.Channels, ch)
		}
	}
	if cfg.RampRate < 1 {
		cfg.RampRate = 1
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func ramp(ctx context.Context, cfg *Config, stats *Stats, wg *sync.WaitGroup) {
	ticker := time.NewTicker(time.Second / time.Duration(cfg.RampRate))
	defer ticker.Stop()
	for i := 0; i < cfg.Agents; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		quiet := rand.Float64() < cfg.QuietShare
		a := &simAgent{id: fmt.Sprintf("sim-%04d", i), cfg: cfg, stats: stats, quiet: quiet}
		stats.created.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.run(ctx); err != nil {
				stats.failed.Add(1)
				log.Printf("Agent %s: %v", a.id, err)
			}
		}()
	}
	log.Printf("Ramp-up complete: %d agents started", cfg.Agents)
}

type simAgent struct {
	id    string
	cfg   *Config
	stats *Stats
	quiet bool

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (a *simAgent) run(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: a.cfg.ConnectionTimeout,
		NetDialContext: (&net.Dialer{
			Timeout:   a.cfg.ConnectionTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, a.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	a.conn = conn
	a.stats.active.Add(1)
	defer a.stats.active.Add(-1)

	// Server pings every 27s; gorilla answers while a read is pending.
	const readTimeout = 60 * time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		a.writeMu.Lock()
		defer a.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		a.readLoop(readTimeout)
	}()

	err = a.actLoop(ctx)

	a.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
	a.writeMu.Unlock()
	conn.Close()
	<-readDone
	return err
}

func (a *simAgent) readLoop(readTimeout time.Duration) {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		a.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			a.stats.errors.Add(1)
			continue
		}
		switch protocol.Type(env.Type) {
		case protocol.TypeRateLimited:
			a.stats.rateLimited.Add(1)
		case protocol.TypeError:
			a.stats.errors.Add(1)
		}
		a.stats.countFrame(env.Type)
	}
}

func (a *simAgent) send(in protocol.Inbound) error {
	raw, err := protocol.Marshal(in)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := a.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	a.stats.sent.Add(1)
	return nil
}

func (a *simAgent) actLoop(ctx context.Context) error {
	if err := a.send(&protocol.Register{
		ID:           a.id,
		Name:         a.id,
		AgentType:    "simulator",
		Capabilities: []string{"simulation"},
	}); err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	if len(a.cfg.Channels) > 0 {
		if err := a.send(&protocol.Subscribe{Channels: a.cfg.Channels}); err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
	}
	if a.quiet {
		<-ctx.Done()
		return nil
	}

	statuses := []model.AgentStatus{model.AgentActive, model.AgentBusy, model.AgentIdle}
	for {
		// Jitter keeps agents from acting in lockstep.
		wait := a.cfg.ActionInterval/2 + time.Duration(rand.Int63n(int64(a.cfg.ActionInterval)+1))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		var in protocol.Inbound
		switch n := rand.Intn(10); {
		case n < 6:
			in = &protocol.StatusUpdate{Status: statuses[rand.Intn(len(statuses))]}
		case n < 9:
			in = &protocol.AgentMessage{MessageType: "heartbeat", Body: fmt.Sprintf("%s checking in", a.id), Priority: model.PriorityLow}
		default:
			in = &protocol.Ping{}
		}
		if err := a.send(in); err != nil {
			return fmt.Errorf("send %s failed: %w", in.Type(), err)
		}
	}
}

func checkHealth(url string) (*types.Health, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var h types.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &h, fmt.Errorf("server %s (HTTP %d)", h.Status, resp.StatusCode)
	}
	return &h, nil
}

func report(ctx context.Context, cfg *Config, stats *Stats) {
	ticker := time.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			line := fmt.Sprintf("active=%d failed=%d sent=%d received=%d rate_limited=%d errors=%d",
				stats.active.Load(), stats.failed.Load(), stats.sent.Load(),
				stats.received.Load(), stats.rateLimited.Load(), stats.errors.Load())
			if h, err := checkHealth(cfg.HealthURL); err == nil {
				line += fmt.Sprintf(" | server conns=%d identities=%d cpu=%.1f%% mem=%.0fMB",
					h.Connections, h.Identities, h.CPUPercent, h.MemoryMB)
			}
			log.Print(line)
		}
	}
}

func printReport(stats *Stats) {
	log.Printf("%s", strings.Repeat("=", 60))
	log.Printf("Agents created:  %d (failed %d)", stats.created.Load(), stats.failed.Load())
	log.Printf("Frames sent:     %d", stats.sent.Load())
	log.Printf("Frames received: %d", stats.received.Load())
	log.Printf("Rate limited:    %d", stats.rateLimited.Load())
	log.Printf("Errors:          %d", stats.errors.Load())
	log.Printf("By type:         %s", strings.Join(stats.frameTypes(), " "))
	log.Printf("%s", strings.Repeat("=", 60))
}
