// ABOUTME: Relay struct and component wiring: config to buses, gate, stores, bridge.
// ABOUTME: Owns runtime resolution for singleton, per-session, and hosted multi-tenant modes.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/fernwood/mcp-relay/internal/approval"
	"github.com/fernwood/mcp-relay/internal/auth"
	"github.com/fernwood/mcp-relay/internal/bridge"
	"github.com/fernwood/mcp-relay/internal/bus"
	"github.com/fernwood/mcp-relay/internal/config"
	"github.com/fernwood/mcp-relay/internal/manager"
	"github.com/fernwood/mcp-relay/internal/session"
	"github.com/fernwood/mcp-relay/internal/store"
	"github.com/fernwood/mcp-relay/internal/tenant"
)

// Relay wires the session store, event buses, approval gate, and HTTP bridge
// into one process.
type Relay struct {
	config *config.Config
	logger *slog.Logger

	// Shared runtime state. In hosted mode these stay nil and each tenant
	// actor carries its own.
	rpcLog   *bus.RPCLog
	progress *bus.ProgressStore
	gate     *approval.Gate
	sessions session.Store

	// registry is non-nil in hosted multi-tenant mode (jwt secret set).
	registry *tenant.Registry

	identity *auth.Resolver
	bridge   *bridge.Bridge
	archive  store.Archive

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	unsubscribers []func()
}

// New builds a relay from configuration. No listeners are opened; call Run.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		config: cfg,
		logger: logger.With("component", "relay"),
	}

	if cfg.Database.Path != "" {
		archive, err := store.NewSQLiteArchive(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening rpc log archive: %w", err)
		}
		r.archive = archive
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(auth.VerifierConfig{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.JWTIssuer,
			Audience: cfg.Auth.JWTAudience,
		})
	}
	r.identity = auth.NewResolver(verifier, logger)

	if cfg.Auth.JWTSecret != "" {
		// Hosted mode: every verified subject gets a private runtime.
		r.registry = tenant.NewRegistry(r.newTenantActor, tenant.Options{
			TTL:           cfg.Sessions.TTL,
			SweepInterval: cfg.Sessions.SweepInterval,
			Logger:        logger,
		})
	} else {
		r.rpcLog = bus.NewRPCLog(config.DefaultEventBufferSize)
		r.progress = bus.NewProgressStore(config.DefaultEventBufferSize)
		r.gate = approval.NewGate(cfg.Approval.Timeout, logger)
		r.sessions = r.newSessionStore(r.rpcLog, r.progress, r.gate)
		if unsub := r.subscribeArchive(r.rpcLog); unsub != nil {
			r.unsubscribers = append(r.unsubscribers, unsub)
		}
	}

	r.bridge = bridge.New(r.resolveRuntime, logger)

	mux := http.NewServeMux()
	r.bridge.RegisterRoutes(mux)
	r.registerAPIRoutes(mux)

	r.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return r, nil
}

// newSessionStore builds the manager store for one runtime scope.
func (r *Relay) newSessionStore(rpcLog *bus.RPCLog, progress *bus.ProgressStore, gate *approval.Gate) session.Store {
	factory := r.managerFactory(rpcLog, progress, gate)
	if r.config.Sessions.Mode == "singleton" {
		return session.NewSingletonStore(factory)
	}
	return session.NewSessionStore(factory, session.Options{
		TTL:           r.config.Sessions.TTL,
		SweepInterval: r.config.Sessions.SweepInterval,
		MaxEntries:    r.config.Sessions.MaxEntries,
		Logger:        r.logger,
	})
}

// managerFactory returns a session.Factory that connects every configured
// downstream server over HTTP.
func (r *Relay) managerFactory(rpcLog *bus.RPCLog, progress *bus.ProgressStore, gate *approval.Gate) session.Factory {
	return func(ctx context.Context, sessionKey string) (session.Handle, error) {
		m := manager.New(manager.Config{
			SessionID: sessionKey,
			RPCLog:    rpcLog,
			Progress:  progress,
			Gate:      gate,
			Logger:    r.logger,
		})
		for _, srv := range r.config.Servers {
			m.AddServer(srv.ID, manager.NewHTTPTransport(srv.URL, srv.Headers))
		}
		return m, nil
	}
}

// newTenantActor builds an isolated runtime for one hosted subject. The
// archive subscription is owned by the actor so a registry sweep releases it
// along with the actor's buses.
func (r *Relay) newTenantActor(subject string) (*tenant.Actor, error) {
	rpcLog := bus.NewRPCLog(config.DefaultEventBufferSize)
	progress := bus.NewProgressStore(config.DefaultEventBufferSize)
	gate := approval.NewGate(r.config.Approval.Timeout, r.logger)
	return &tenant.Actor{
		Store:       session.NewSingletonStore(r.managerFactory(rpcLog, progress, gate)),
		RPCLog:      rpcLog,
		Progress:    progress,
		Gate:        gate,
		Unsubscribe: r.subscribeArchive(rpcLog),
	}, nil
}

// subscribeArchive mirrors a log bus into the durable archive, if one is
// configured. The returned func releases the subscription; it is nil when
// archiving is disabled.
func (r *Relay) subscribeArchive(rpcLog *bus.RPCLog) func() {
	if r.archive == nil {
		return nil
	}
	serverIDs := make([]string, 0, len(r.config.Servers))
	for _, srv := range r.config.Servers {
		serverIDs = append(serverIDs, srv.ID)
	}
	unsub := rpcLog.Subscribe(bus.Filter{ServerIDs: serverIDs}, func(ev bus.RPCLogEvent) {
		err := r.archive.AppendLog(context.Background(), store.LogEntry{
			ServerID:  ev.ServerID,
			SessionID: ev.SessionID,
			Direction: string(ev.Direction),
			Method:    ev.Method,
			Payload:   ev.Payload,
			Timestamp: ev.Timestamp,
		})
		if err != nil {
			r.logger.Warn("archiving rpc log event", "server_id", ev.ServerID, "error", err)
		}
	})
	return unsub
}

// resolveRuntime picks the runtime serving a request.
func (r *Relay) resolveRuntime(w http.ResponseWriter, req *http.Request) (*bridge.Runtime, error) {
	if r.registry != nil {
		id := r.identity.Resolve(w, req)
		actor, err := r.registry.Resolve(id.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolving tenant actor: %w", err)
		}
		h, err := actor.Store.GetManager(req.Context(), id.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolving tenant manager: %w", err)
		}
		return &bridge.Runtime{Manager: h.(*manager.Manager), Gate: actor.Gate}, nil
	}

	sessionKey := ""
	if r.config.Sessions.Mode == "session" {
		// Session identity exists only in per-session mode; singleton
		// deployments never read or mint one.
		sessionKey = r.identity.Resolve(w, req).UserID
	}
	h, err := r.sessions.GetManager(req.Context(), sessionKey)
	if err != nil {
		return nil, fmt.Errorf("resolving session manager: %w", err)
	}
	return &bridge.Runtime{Manager: h.(*manager.Manager), Gate: r.gate}, nil
}

// buses returns the log and progress buses serving a request's scope.
func (r *Relay) buses(w http.ResponseWriter, req *http.Request) (*bus.RPCLog, *bus.ProgressStore, error) {
	if r.registry == nil {
		return r.rpcLog, r.progress, nil
	}
	id := r.identity.Resolve(w, req)
	actor, err := r.registry.Resolve(id.UserID)
	if err != nil {
		return nil, nil, err
	}
	return actor.RPCLog, actor.Progress, nil
}
