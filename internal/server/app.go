package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/lifecycle"
	"github.com/fenggwsx/roomcast/internal/presence"
	"github.com/fenggwsx/roomcast/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App coordinates the HTTP listener, websocket sessions and presence queries.
type App struct {
	cfg       config.ServerConfig
	log       *slog.Logger
	lifecycle *lifecycle.Handler
	store     presence.Store
	metrics   *telemetry.Metrics
	origins   originPolicy
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*clientSession
	wg       sync.WaitGroup
}

// NewApp constructs a server instance using the provided dependencies.
func NewApp(cfg config.ServerConfig, log *slog.Logger, handler *lifecycle.Handler, store presence.Store, metrics *telemetry.Metrics) *App {
	a := &App{
		cfg:       cfg,
		log:       log,
		lifecycle: handler,
		store:     store,
		metrics:   metrics,
		origins:   newOriginPolicy(log, cfg.Origins()),
		sessions:  make(map[string]*clientSession),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{"v12.stomp", "v11.stomp", "v10.stomp"},
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

// Handler exposes the websocket endpoint, the health check and the
// read-only room occupancy query.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", a.serveWebSocket)
	mux.HandleFunc("GET /healthz", a.serveHealth)
	mux.HandleFunc("GET /rooms/{room}/count", a.serveRoomCount)
	return mux
}

// Run serves until the context is canceled, then closes every session.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("Listening", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.closeSessions()
		return err
	})
	return g.Wait()
}

func (a *App) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	session := newClientSession(a, conn, uuid.NewString())
	if !a.track(session) {
		_ = conn.Close()
		return
	}
	defer a.untrack(session)

	a.metrics.Connection(r.Context())
	a.lifecycle.Open(session.id, session)
	a.log.Debug("Session opened", "session_id", session.id, "remote_addr", r.RemoteAddr)

	go session.writeLoop()
	session.readLoop(r.Context())
	session.close()
}

func (a *App) track(s *clientSession) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions == nil {
		return false
	}
	a.sessions[s.id] = s
	a.wg.Add(1)
	return true
}

func (a *App) untrack(s *clientSession) {
	a.mu.Lock()
	if a.sessions != nil {
		delete(a.sessions, s.id)
	}
	a.mu.Unlock()
	a.wg.Done()
}

// closeSessions refuses new sessions, closes the open ones and waits for
// their disconnect handling to finish.
func (a *App) closeSessions() {
	a.mu.Lock()
	open := make([]*clientSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		open = append(open, s)
	}
	a.sessions = nil
	a.mu.Unlock()

	for _, s := range open {
		s.close()
	}
	a.wg.Wait()
}

func (a *App) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

type roomCountResponse struct {
	Room  string `json:"room"`
	Count int64  `json:"count"`
}

func (a *App) serveRoomCount(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	count, err := a.store.RoomCount(r.Context(), roomID)
	if err != nil {
		a.metrics.StoreUnavailable(r.Context(), "count")
		a.log.Error("Room count unavailable", "room", roomID, "error", err)
		http.Error(w, "presence store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(roomCountResponse{Room: roomID, Count: count})
}
