// Package router turns inbound envelopes into store writes and fan-out.
//
// Per envelope:
//
//	decode -> limiter (category + key) -> identity check -> handler
//	       -> registry touch -> fan-out -> notifications
//
// Handlers never talk to the transport directly. They return the envelopes to
// broadcast, to deliver directly and to reply with, and the router emits them
// only after the handler succeeded, so a failed event never fans out.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/agentsync/internal/limits"
	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/adred-codev/agentsync/internal/notify"
	"github.com/adred-codev/agentsync/internal/protocol"
	"github.com/adred-codev/agentsync/internal/registry"
	"github.com/adred-codev/agentsync/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Conn is one client connection as the router sees it.
type Conn interface {
	ID() string
	// Send enqueues data without blocking. It returns false if the
	// connection is gone or could not keep up.
	Send(data []byte) bool
	// Subscribe records channel names and returns the full set.
	Subscribe(channels []string) []string
}

// Hub fans data out to connections. Broadcast must deliver to every open
// connection in call order.
type Hub interface {
	Broadcast(data []byte) int
	SendTo(connID string, data []byte) bool
}

// Notifier accepts notifications for asynchronous delivery. always bypasses
// severity filtering.
type Notifier interface {
	Submit(n notify.Notification, always bool) bool
}

// Mirror receives every broadcast envelope after local fan-out.
type Mirror interface {
	Publish(ctx context.Context, envelopeType string, data []byte)
}

type Config struct {
	Store        store.Store
	Registry     *registry.Registry
	Limits       *limits.Set
	Hub          Hub
	Notifier     Notifier
	Mirror       Mirror        // optional
	StoreTimeout time.Duration // default 5s
	Logger       zerolog.Logger

	// Now and NewID are replaced in tests.
	Now   func() time.Time
	NewID func() string
}

type Router struct {
	store        store.Store
	registry     *registry.Registry
	limits       *limits.Set
	hub          Hub
	notifier     Notifier
	mirror       Mirror
	storeTimeout time.Duration
	logger       zerolog.Logger
	now          func() time.Time
	newID        func() string

	// progressMu serializes project progress recomputation (list tasks, then
	// write the project) so a stale task list never overwrites a newer one.
	progressMu sync.Mutex
}

func New(cfg Config) *Router {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Router{
		store:        cfg.Store,
		registry:     cfg.Registry,
		limits:       cfg.Limits,
		hub:          cfg.Hub,
		notifier:     cfg.Notifier,
		mirror:       cfg.Mirror,
		storeTimeout: cfg.StoreTimeout,
		logger:       cfg.Logger.With().Str("component", "router").Logger(),
		now:          cfg.Now,
		newID:        cfg.NewID,
	}
}

// effects is what a successful handler asks the router to emit.
type effects struct {
	broadcast []protocol.Outbound
	direct    []directDelivery
	reply     protocol.Outbound
	notes     []note
}

type directDelivery struct {
	agentID  string
	envelope protocol.Outbound
}

type note struct {
	notify.Notification
	always bool
}

func (e *effects) addBroadcast(o protocol.Outbound) { e.broadcast = append(e.broadcast, o) }

func (e *effects) addNote(n notify.Notification, always bool) {
	e.notes = append(e.notes, note{Notification: n, always: always})
}

// storeCtx bounds persistence calls. It is detached from the connection's
// context: a client leaving mid-handler does not abort an in-flight write.
func (r *Router) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
}

// Open registers a new connection and sends it the initial snapshot. The
// transport must make c reachable for broadcasts atomically with Open: no
// broadcast may reach c before Open returns, and none issued afterwards may
// be missed. Open itself never calls the hub.
func (r *Router) Open(ctx context.Context, c Conn) {
	r.registry.Open(c.ID(), r.now())
	monitoring.ConnectionsActive.Set(float64(r.registry.Len()))

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	snap, err := r.snapshot(sctx)
	if err != nil {
		monitoring.LogError(r.logger, err, "Failed to build initial snapshot", map[string]any{"conn_id": c.ID()})
		r.send(c, classify(err).envelope(""))
		return
	}
	r.send(c, snap)
}

func (r *Router) snapshot(ctx context.Context) (protocol.InitialSnapshot, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return protocol.InitialSnapshot{}, err
	}
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		return protocol.InitialSnapshot{}, err
	}
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		return protocol.InitialSnapshot{}, err
	}
	return protocol.InitialSnapshot{Agents: agents, Projects: projects, Tasks: tasks}, nil
}

// Handle processes one inbound frame from c to completion. The transport
// calls it sequentially per connection.
func (r *Router) Handle(ctx context.Context, c Conn, raw []byte) {
	start := r.now()

	in, err := protocol.Decode(raw)
	if err != nil {
		r.reject(c, "unknown", classify(err), "")
		return
	}
	typ := string(in.Type())
	monitoring.EnvelopesReceived.WithLabelValues(typ).Inc()
	defer func() {
		monitoring.HandlerDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	}()

	ident, bound := r.registry.IdentityOf(c.ID())

	limiter, key := r.limiterFor(in, c.ID(), ident, bound)
	if d := limiter.Admit(key, start); !d.Allowed {
		monitoring.RateLimited.WithLabelValues(limiter.Name()).Inc()
		r.reject(c, typ, &Error{Code: CodeRateLimited, Message: "rate limit exceeded", RetryAfter: d.RetryAfter}, limiter.Name())
		return
	}

	if protocol.IdentityScoped(in) && !bound {
		r.reject(c, typ, &Error{Code: CodeIdentityRequired, Message: typ + " requires a registered identity"}, "")
		return
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	act := actor{conn: c, identity: ident, bound: bound}
	var fx effects
	switch m := in.(type) {
	case *protocol.Register:
		err = r.handleRegister(sctx, act, m, &fx)
	case *protocol.StatusUpdate:
		err = r.handleStatusUpdate(sctx, act, m, &fx)
	case *protocol.TaskUpdate:
		err = r.handleTaskUpdate(sctx, act, m, &fx)
	case *protocol.ProjectUpdate:
		err = r.handleProjectUpdate(sctx, act, m, &fx)
	case *protocol.AgentMessage:
		err = r.handleAgentMessage(sctx, act, m, &fx)
	case *protocol.RequestUserInput:
		err = r.handleRequestUserInput(sctx, act, m, &fx)
	case *protocol.Subscribe:
		fx.reply = protocol.Subscribed{Channels: c.Subscribe(m.Channels)}
	case *protocol.Ping:
		fx.reply = protocol.Pong{TS: start.UnixMilli()}
	default:
		err = &Error{Code: CodeInvalidEnvelope, Message: "unhandled envelope " + typ}
	}
	if err != nil {
		e := classify(err)
		if e.Code == CodePersistenceFailure {
			monitoring.LogError(r.logger, err, "Handler failed", map[string]any{"conn_id": c.ID(), "type": typ})
		}
		r.reject(c, typ, e, "")
		return
	}

	r.registry.Touch(c.ID(), r.now())
	monitoring.IdentitiesBound.Set(float64(r.registry.BoundLen()))
	r.emit(ctx, c, &fx)
}

// limiterFor picks the limiter category and key.
//
//	register      -> register limiter
//	agent-message -> message limiter, always keyed by connection
//	anything else -> general limiter
//
// Keys are the bound agent id when there is one, the connection id otherwise.
func (r *Router) limiterFor(in protocol.Inbound, connID string, ident registry.Identity, bound bool) (*limits.Limiter, string) {
	key := connID
	if bound {
		key = ident.AgentID
	}
	switch in.(type) {
	case *protocol.Register:
		return r.limits.Register, key
	case *protocol.AgentMessage:
		return r.limits.Message, connID
	default:
		return r.limits.General, key
	}
}

func (r *Router) reject(c Conn, typ string, e *Error, category string) {
	monitoring.EnvelopesRejected.WithLabelValues(string(e.Code)).Inc()
	r.logger.Debug().
		Str("conn_id", c.ID()).
		Str("type", typ).
		Str("code", string(e.Code)).
		Str("error", e.Message).
		Msg("Envelope rejected")
	r.send(c, e.envelope(category))
}

func (r *Router) send(c Conn, o protocol.Outbound) {
	data, err := protocol.Encode(o, r.now())
	if err != nil {
		monitoring.LogError(r.logger, err, "Failed to encode envelope", map[string]any{"type": string(o.Type())})
		return
	}
	c.Send(data)
}

// emit performs fan-out first, then direct deliveries, the reply and
// finally notifications.
func (r *Router) emit(ctx context.Context, c Conn, fx *effects) {
	for _, o := range fx.broadcast {
		r.broadcast(ctx, o)
	}
	for _, d := range fx.direct {
		connID, ok := r.registry.Lookup(d.agentID)
		if !ok {
			continue
		}
		data, err := protocol.Encode(d.envelope, r.now())
		if err != nil {
			monitoring.LogError(r.logger, err, "Failed to encode envelope", map[string]any{"type": string(d.envelope.Type())})
			continue
		}
		r.hub.SendTo(connID, data)
	}
	if fx.reply != nil && c != nil {
		r.send(c, fx.reply)
	}
	r.submit(fx.notes)
}

func (r *Router) broadcast(ctx context.Context, o protocol.Outbound) {
	data, err := protocol.Encode(o, r.now())
	if err != nil {
		monitoring.LogError(r.logger, err, "Failed to encode envelope", map[string]any{"type": string(o.Type())})
		return
	}
	r.hub.Broadcast(data)
	monitoring.EnvelopesBroadcast.WithLabelValues(string(o.Type())).Inc()
	if r.mirror != nil {
		r.mirror.Publish(ctx, string(o.Type()), data)
	}
}

func (r *Router) submit(notes []note) {
	if r.notifier == nil {
		return
	}
	for _, n := range notes {
		r.notifier.Submit(n.Notification, n.always)
	}
}
