// Package server runs the beamdrop signaling service: it upgrades
// WebSocket connections, walks each one through the session protocol,
// and relays offer/answer/candidate payloads between paired peers
// without inspecting them.
package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"golang.org/x/net/netutil"

	"github.com/beamdrop/beamdrop/internal/broker"
	"github.com/beamdrop/beamdrop/internal/config"
	"github.com/beamdrop/beamdrop/internal/health"
	"github.com/beamdrop/beamdrop/internal/logging"
	"github.com/beamdrop/beamdrop/internal/metrics"
	"github.com/beamdrop/beamdrop/internal/ratelimit"
	"github.com/beamdrop/beamdrop/pkg/signaling"
)

var log = logging.L("server")

const (
	listenRetries   = 5
	listenBaseDelay = 500 * time.Millisecond
	listenMaxDelay  = 8 * time.Second
	listenJitter    = 0.3

	// Accepted sockets beyond the connection cap, so diagnostics stay
	// reachable while serveWS turns excess peers away with a 503.
	listenerHeadroom = 64
)

// Server owns every long-lived component: the session registry, the
// per-address limiter, the connection set, and the HTTP listener.
type Server struct {
	cfg      *config.Config
	clock    clockwork.Clock
	codec    *signaling.Codec
	registry *broker.Registry
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	monitor  *health.Monitor
	upgrader websocket.Upgrader

	httpSrv   *http.Server
	listener  net.Listener
	startedAt time.Time

	// connCount reserves a slot before the upgrade so the cap holds
	// even while handshakes are in flight; conns holds only upgraded
	// connections, for shutdown broadcast.
	connCount atomic.Int64
	mu        sync.Mutex
	conns     map[string]*peerConn

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a server from validated configuration. A nil clock
// means wall time; tests inject a fake.
func New(cfg *config.Config, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Server{
		cfg:       cfg,
		clock:     clock,
		codec:     signaling.NewCodec(cfg.MaxFrameBytes, cfg.TimestampSkew, clock),
		registry:  broker.NewRegistry(cfg.SessionTTL, cfg.SessionCap, clock),
		limiter: ratelimit.New(ratelimit.Limits{
			CreatesPerHour:        cfg.Rate.CreatesPerHour,
			JoinsPerHour:          cfg.Rate.JoinsPerHour,
			MessagesPerMinute:     cfg.Rate.MessagesPerMinute,
			ConnectionsPerAddress: cfg.Rate.ConnectionsPerAddress,
		}, clock),
		monitor:   health.NewMonitor(clock),
		conns:     make(map[string]*peerConn),
		done:      make(chan struct{}),
		startedAt: clock.Now(),
	}
	s.metrics = metrics.New(
		func() float64 { return float64(s.registry.SessionCount()) },
		func() float64 { return float64(s.ConnCount()) },
	)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: false,
		CheckOrigin:       s.checkOrigin,
	}
	return s
}

// Handler returns the full HTTP surface: the signaling endpoint plus
// the diagnostics routes, wrapped in the configured CORS policy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.EndpointPath, s.serveWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/statsz", s.handleStatsz)
	mux.Handle("/metrics", s.metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: []string{s.cfg.CORSOrigin},
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(mux)
}

// Start binds the listener and launches the serve and sweep loops. It
// returns once the server is accepting; Shutdown stops it.
func (s *Server) Start() error {
	lis, err := s.listen()
	if err != nil {
		s.monitor.Update("listener", health.Unhealthy, err.Error())
		return err
	}
	s.listener = netutil.LimitListener(lis, s.cfg.ConnectionCap+listenerHeadroom)
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.monitor.Update("listener", health.Healthy, "")
	s.monitor.Update("sweeper", health.Healthy, "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve failed", "error", err)
			s.monitor.Update("listener", health.Unhealthy, err.Error())
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()

	log.Info("listening",
		"address", s.listener.Addr().String(),
		"path", s.cfg.EndpointPath,
		"sessionTTL", s.cfg.SessionTTL,
	)
	return nil
}

// listen binds the configured address, retrying with jittered backoff.
// A restart typically races the previous process releasing the port.
func (s *Server) listen() (net.Listener, error) {
	var lastErr error
	delay := listenBaseDelay
	for attempt := 0; attempt <= listenRetries; attempt++ {
		if attempt > 0 {
			sleep := applyJitter(delay, listenJitter)
			log.Warn("listen failed, retrying",
				"attempt", attempt,
				"delay", sleep,
				"error", lastErr,
			)
			s.clock.Sleep(sleep)
			delay *= 2
			if delay > listenMaxDelay {
				delay = listenMaxDelay
			}
		}
		lis, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err == nil {
			return lis, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddress, lastErr)
}

// Addr reports the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting, tells every connected peer the server is
// going away, and waits for connection handlers to drain within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	for _, c := range s.snapshotConns() {
		c.Terminate(websocket.CloseGoingAway, "server shutting down")
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if s.httpSrv != nil {
			s.httpSrv.Close()
		}
		return ctx.Err()
	}
	log.Info("server stopped")
	return err
}

func (s *Server) sweepLoop() {
	ticker := s.clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.sweepOnce()
		case <-s.done:
			return
		}
	}
}

// sweepOnce expires overdue sessions and prunes idle limiter state. A
// panicking tick is reported through health instead of killing the
// loop.
func (s *Server) sweepOnce() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("sweeper panic", "panic", rec, "stack", string(debug.Stack()))
			s.monitor.Update("sweeper", health.Degraded, "tick panicked")
		}
	}()

	conns, removed := s.registry.Sweep()
	for _, c := range conns {
		c.Terminate(websocket.CloseNormalClosure, "session expired")
	}
	if removed > 0 {
		s.metrics.SessionsExpired.Add(float64(removed))
	}
	s.limiter.Prune()
	s.monitor.Update("sweeper", health.Healthy, "")
}

// ConnCount reports open WebSocket connections, bound or not.
func (s *Server) ConnCount() int {
	return int(s.connCount.Load())
}

// reserveConn claims a slot under the global cap, returning false when
// the server is full. releaseConn gives it back.
func (s *Server) reserveConn() bool {
	if s.connCount.Add(1) > int64(s.cfg.ConnectionCap) {
		s.connCount.Add(-1)
		return false
	}
	return true
}

func (s *Server) releaseConn() {
	s.connCount.Add(-1)
}

func (s *Server) addConn(c *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Server) removeConn(c *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

func (s *Server) snapshotConns() []*peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerConn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// checkOrigin gates the WebSocket upgrade. Non-browser clients send no
// Origin header and are always admitted.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.cfg.CORSOrigin
}

// applyJitter adds ±frac random jitter to a duration.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
