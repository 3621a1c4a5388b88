package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aa-relay/go-backend/internal/platform/ratelimiter"
	"aa-relay/go-backend/internal/userop"
	"aa-relay/go-backend/pkg/models"
)

const DefaultAddr = "127.0.0.1:8747"

// Server exposes the sponsorship service over HTTP. Policy refusals get 422
// with the reason code in the body; backend faults get 502 so callers can tell
// "you may not" apart from "I cannot right now".
type Server struct {
	httpServer *http.Server
	service    *Service
	logger     *slog.Logger
	authToken  string
	limiter    *ratelimiter.MapLimiter
}

type sponsorRequest struct {
	UserOperation  *userop.UserOperation `json:"userOperation"`
	SponsorContext map[string]string     `json:"sponsorContext"`
}

func NewServer(addr string, svc *Service, metrics *Metrics, logger *slog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:   svc,
		logger:    logger,
		authToken: strings.TrimSpace(os.Getenv("AA_SUPERVISOR_TOKEN")),
		limiter:   newLimiterFromEnv(),
	}
	if s.authToken == "" {
		logger.Warn("AA_SUPERVISOR_TOKEN is not set; sponsor auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/v1/sponsor", s.handleSponsor)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	return s
}

// newLimiterFromEnv reads the per-org sponsor rate limit. Unset or invalid
// values disable limiting, which ratelimiter.New signals by returning nil.
func newLimiterFromEnv() *ratelimiter.MapLimiter {
	rps, _ := strconv.ParseFloat(strings.TrimSpace(os.Getenv("AA_SPONSOR_RPS")), 64)
	burst, _ := strconv.Atoi(strings.TrimSpace(os.Getenv("AA_SPONSOR_BURST")))
	if burst <= 0 {
		burst = int(rps)
	}
	return ratelimiter.New(rps, burst, 10*time.Minute)
}

func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("sponsor endpoint listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// handleHealthz reports the same balance-derived body as /readyz but always
// answers 200 when the oracle is reachable: a degraded paymaster is a funding
// problem, not a reason to restart the process.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health, err := s.service.Health(r.Context())
	if err != nil {
		s.logger.Error("health probe failed", "error", err)
		http.Error(w, "balance oracle unreachable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health, err := s.service.Health(r.Context())
	if err != nil {
		s.logger.Error("readiness probe failed", "error", err)
		http.Error(w, "balance oracle unreachable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleSponsor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req sponsorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UserOperation == nil {
		writeDetail(w, http.StatusBadRequest, "userOperation is required")
		return
	}
	if req.SponsorContext == nil {
		req.SponsorContext = map[string]string{}
	}

	org := req.SponsorContext["org_id"]
	if org == "" {
		org = models.OrgPlaceholder
	}
	if !s.limiter.Allow(org, time.Now()) {
		writeDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	decision, err := s.service.Sponsor(r.Context(), req.UserOperation, req.SponsorContext)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			writeDetail(w, http.StatusUnprocessableEntity, rej.Reason)
			return
		}
		s.logger.Error("sponsorship backend fault", "error", err)
		writeDetail(w, http.StatusBadGateway, "upstream dependency failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decision)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):]) == s.authToken
	}
	return false
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
