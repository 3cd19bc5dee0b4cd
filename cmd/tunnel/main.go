// Command tunnel runs the relay process: it holds no session or PTY state
// of its own, only tunnel_id identity, workstation/client socket routing,
// and the HTTP long-poll fallback for devices that can't hold a socket.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyper-ai-inc/hyper-backend/internal/auth"
	"github.com/hyper-ai-inc/hyper-backend/internal/config"
	"github.com/hyper-ai-inc/hyper-backend/internal/forwarder"
	"github.com/hyper-ai-inc/hyper-backend/internal/identity"
	"github.com/hyper-ai-inc/hyper-backend/internal/longpoll"
	"github.com/hyper-ai-inc/hyper-backend/internal/telemetry"
)

// Server wires the relay's websocket upgrades and HTTP long-poll handlers
// into one mux, mirroring the teacher's cmd/server Server/NewServer/Handler
// shape so it's exercisable from httptest without a real listener.
type Server struct {
	registry  *identity.Registry
	fwd       *forwarder.Forwarder
	lpManager *longpoll.Manager
	relay     *Relay
	gate      *auth.Gate
}

func NewServer(registry *identity.Registry, fwd *forwarder.Forwarder, lpManager *longpoll.Manager, gate *auth.Gate, log *slog.Logger) *Server {
	return &Server{
		registry:  registry,
		fwd:       fwd,
		lpManager: lpManager,
		relay:     NewRelay(registry, fwd, log),
		gate:      gate,
	}
}

func (s *Server) Handler() http.Handler {
	lpHandlers := &longpoll.Handlers{Manager: s.lpManager, Forwarder: s.fwd, Registry: s.registry}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /ws/workstation", WithAPIKeyGate(s.gate, s.relay.HandleWorkstation))
	mux.HandleFunc("GET /ws/client", s.relay.HandleClient)
	mux.HandleFunc("POST /api/v1/watch/connect", lpHandlers.HandleConnect)
	mux.HandleFunc("POST /api/v1/watch/command", lpHandlers.HandleCommand)
	mux.HandleFunc("GET /api/v1/watch/messages", lpHandlers.HandleMessages)
	mux.HandleFunc("GET /api/v1/watch/state", lpHandlers.HandleState)
	mux.HandleFunc("POST /api/v1/watch/disconnect", lpHandlers.HandleDisconnect)
	return mux
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadTunnel()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.InitProvider(context.Background(), "hyper-tunnel", "1.10.0")
	if err != nil {
		logger.Error("tracing init failed", "err", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	store, err := identity.OpenStore(cfg.StoragePath)
	if err != nil {
		logger.Error("identity store open failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := identity.NewRegistry(store)
	fwd := forwarder.New()
	lpManager := longpoll.NewManager()
	lpManager.OnEvict = func(deviceID, tunnelID string) {
		fwd.UnbindClient(tunnelID, deviceID)
	}

	registry.OnOnline = func(tunnelID string) {
		if frame, err := encodePresence(true, tunnelID); err == nil {
			fwd.BroadcastPresence(tunnelID, frame)
		}
	}
	registry.OnOffline = func(tunnelID string) {
		if frame, err := encodePresence(false, tunnelID); err == nil {
			fwd.BroadcastPresence(tunnelID, frame)
		}
	}

	gate := auth.NewGate(cfg.RegistrationAPIKey)
	server := NewServer(registry, fwd, lpManager, gate, logger)

	httpServer := &http.Server{Addr: ":" + cfg.ListenPort, Handler: server.Handler()}

	stop := make(chan struct{})
	g := new(errgroup.Group)

	g.Go(func() error {
		defer close(stop)
		logger.Info("tunnel listening", "port", cfg.ListenPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lpManager.RunGC(time.Minute, stop)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("tunnel exited with error", "err", err)
		os.Exit(1)
	}
}
