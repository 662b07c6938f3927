package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/quire/config"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	rateCategoryIngress = "ingress"
	rateCategoryDefault = "default"
)

// Relay owns the process-scoped registry, the ingress bridge and the HTTP
// surface. It is constructed at startup and torn down when its context ends.
type Relay struct {
	appCtx context.Context
	cfg    *config.Relay
	logger *slog.Logger
	router *mux.Router

	registry *Registry
	ingress  *Ingress

	wsUpgrader          websocket.Upgrader
	activeWsConnections int32
	wsConnectionLock    sync.Mutex

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	closeOnce sync.Once
}

func New(ctx context.Context, logger *slog.Logger, cfg *config.Relay) (*Relay, error) {
	if cfg == nil {
		return nil, fmt.Errorf("relay config is required")
	}
	logger = logger.With("service", "relay")

	registry := NewRegistry(logger)

	r := &Relay{
		appCtx:   ctx,
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		ingress:  NewIngress(logger, registry, cfg.Ingress.QueueSize, cfg.Ingress.AppID),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rateLimiters: make(map[string]*ttlcache.Cache[string, *rate.Limiter]),
	}

	rlLogger := logger.With("component", "rate-limiter")
	for category, rlConfig := range map[string]config.RateLimiterConfig{
		rateCategoryIngress: cfg.RateLimiters.Ingress,
		rateCategoryDefault: cfg.RateLimiters.Default,
	} {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		r.rateLimiters[category] = cache
		rlLogger.Info("Initialized rate limiter", "category", category, "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}

	r.router = r.routes()
	r.ingress.Start(ctx)
	return r, nil
}

func (r *Relay) routes() *mux.Router {
	router := mux.NewRouter()

	ingress := r.rateLimitMiddleware(r.ingress, rateCategoryIngress)
	router.Handle("/apps/{app}/events", ingress).Methods(http.MethodPost)
	router.Handle("/events", ingress).Methods(http.MethodPost)

	socket := r.rateLimitMiddleware(http.HandlerFunc(r.socketHandler), rateCategoryDefault)
	router.Handle("/app/{key}", socket)
	router.Handle("/ws", socket)

	router.HandleFunc("/stats", r.statsHandler).Methods(http.MethodGet)
	router.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			socket.ServeHTTP(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("quire relay"))
	}).Methods(http.MethodGet)

	return router
}

func (r *Relay) Handler() http.Handler {
	return r.router
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

func (r *Relay) Ingress() *Ingress {
	return r.ingress
}

// socketHandler upgrades the request and starts the session pumps.
func (r *Relay) socketHandler(w http.ResponseWriter, req *http.Request) {
	if !r.reserveConnection() {
		r.logger.Warn("Max WebSocket connections reached, rejecting new connection", "max", r.cfg.Sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.wsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.connectionClosed()
		r.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	session := newSession(uuid.NewString(), conn, r)
	r.registry.Add(session)
	session.logger.Info("WebSocket connection accepted")

	go session.writePump()
	go session.readPump()
}

func (r *Relay) reserveConnection() bool {
	r.wsConnectionLock.Lock()
	defer r.wsConnectionLock.Unlock()
	if r.activeWsConnections >= int32(r.cfg.Sessions.MaxConnections) {
		return false
	}
	r.activeWsConnections++
	return true
}

func (r *Relay) connectionClosed() {
	r.wsConnectionLock.Lock()
	defer r.wsConnectionLock.Unlock()
	if r.activeWsConnections > 0 {
		r.activeWsConnections--
	} else {
		r.logger.Warn("Attempted to decrement active WebSocket connections below zero")
	}
}

func (r *Relay) statsHandler(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(r.registry.Stats())
}

func (r *Relay) getRemoteAddress(req *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		remoteIP = req.RemoteAddr
	}
	if forwardedFor := req.Header.Get("X-Forwarded-For"); forwardedFor != "" && isLoopback(remoteIP) {
		return strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	}
	return remoteIP
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (r *Relay) getRateLimiter(category string, req *http.Request) *rate.Limiter {
	limiterCategory, ok := r.rateLimiters[category]
	if !ok {
		limiterCategory = r.rateLimiters[rateCategoryDefault]
	}
	ip := r.getRemoteAddress(req)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		rlConfig := r.cfg.RateLimiters.Default
		if category == rateCategoryIngress {
			rlConfig = r.cfg.RateLimiters.Ingress
		}
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (r *Relay) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		limiter := r.getRateLimiter(category, req)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			r.logger.Warn("Rate limit exceeded", "category", category, "path", req.URL.Path, "remote_addr", req.RemoteAddr)
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Run serves until the relay context is cancelled, then closes every
// connection and releases the limiters.
func (r *Relay) Run() error {
	srv := &http.Server{
		Addr:    r.cfg.HttpBinding,
		Handler: r.router,
	}

	go func() {
		<-r.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("Server shutdown error", "error", err)
		}
	}()

	r.logger.Info("Starting relay", "listen_addr", r.cfg.HttpBinding)

	var serveErr error
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		r.logger.Error("HTTP server error", "error", err)
		serveErr = err
	}

	r.Close()
	r.logger.Info("Relay stopped")
	return serveErr
}

// Close drops all connections and stops the limiter caches.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.registry.CloseAll()
		for _, limiter := range r.rateLimiters {
			limiter.Stop()
		}
	})
}
