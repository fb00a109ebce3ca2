// Package debugsrv serves the operator HTTP endpoints: /healthz with the
// outcome of recent change-feed cycles, /deliveries with the audit tail and
// the pprof handlers under /debug/pprof/.
package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"librusbot/internal/engine"
	"librusbot/internal/eventbus"
	"librusbot/internal/storage"
	logx "librusbot/pkg/logx"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

type Config struct {
	Addr  string
	Token string
	// FailureThreshold consecutive failed cycles make /healthz answer 503.
	// Zero never reports failing.
	FailureThreshold int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deliveries is the read side of the delivery audit.
type Deliveries interface {
	Recent(ctx context.Context, n int) ([]storage.DeliveryRecord, error)
}

// CycleStatus is the last observed change-feed cycle.
type CycleStatus struct {
	ID           string    `json:"id"`
	At           time.Time `json:"at"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
	Fetched      int       `json:"fetched"`
	Skipped      int       `json:"skipped"`
	Acknowledged int       `json:"acknowledged"`
}

type Health struct {
	Status              string       `json:"status"` // starting, ok, failing
	Uptime              string       `json:"uptime"`
	Cycles              int          `json:"cycles"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastCycle           *CycleStatus `json:"last_cycle,omitempty"`
}

type Server struct {
	cfg        Config
	log        logx.Logger
	deliveries Deliveries
	started    time.Time
	now        func() time.Time

	mu       sync.Mutex
	cycles   int
	failures int
	last     *CycleStatus
}

// New builds a server. deliveries may be nil when the audit is disabled.
func New(cfg Config, deliveries Deliveries, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// pprof profile and trace stream for up to 30s by default.
		cfg.WriteTimeout = 60 * time.Second
	}
	return &Server{cfg: cfg, log: log, deliveries: deliveries, started: time.Now(), now: time.Now}
}

// Observe folds one engine event into the health state.
func (s *Server) Observe(e eventbus.Event) {
	res, ok := e.Data.(engine.CycleResult)
	if !ok {
		return
	}
	st := &CycleStatus{
		ID:           res.ID,
		At:           e.Time,
		Fetched:      res.Fetched,
		Skipped:      res.Skipped,
		Acknowledged: res.Acknowledged,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Type {
	case engine.EventCycleFinished:
		st.OK = true
		s.failures = 0
	case engine.EventCycleFailed:
		if res.Err != nil {
			st.Error = res.Err.Error()
		}
		s.failures++
	default:
		return
	}
	s.cycles++
	s.last = st
}

// Track observes events until ctx is done or the channel closes.
func (s *Server) Track(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			s.Observe(e)
		}
	}
}

// Health returns a snapshot of the cycle state.
func (s *Server) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Status:              "ok",
		Uptime:              s.now().Sub(s.started).Truncate(time.Second).String(),
		Cycles:              s.cycles,
		ConsecutiveFailures: s.failures,
	}
	switch {
	case s.last == nil:
		h.Status = "starting"
	case s.cfg.FailureThreshold > 0 && s.failures >= s.cfg.FailureThreshold:
		h.Status = "failing"
	}
	if s.last != nil {
		cp := *s.last
		h.LastCycle = &cp
	}
	return h
}

// Handler returns the mux with every endpoint, behind the token check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/deliveries", s.handleDeliveries)
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	return s.withAuth(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.Health()
	code := http.StatusOK
	if h.Status == "failing" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deliveries == nil {
		http.Error(w, "delivery audit is disabled", http.StatusNotFound)
		return
	}
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLimit)
	}
	recs, err := s.deliveries.Recent(r.Context(), limit)
	if err != nil {
		s.log.Warn("read deliveries failed", logx.Err(err))
		http.Error(w, "read deliveries failed", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Serve listens on cfg.Addr until ctx is done. A listener failure is returned
// so the caller can retry.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	defer func() {
		close(done)
		<-stopped
	}()

	s.log.Info("debug listener started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug listener exited unexpectedly")
	}
	return err
}
