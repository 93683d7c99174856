package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/streambot/pkg/indicators"
	"github.com/gregtusar/streambot/pkg/trader"
)

type Server struct {
	bot        *trader.Bot
	logger     *logrus.Logger
	port       string
	authSecret []byte
	corsOrigin string
	httpServer *http.Server
}

func NewServer(bot *trader.Bot, logger *logrus.Logger, port, authSecret, corsOrigin string) *Server {
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	s := &Server{
		bot:        bot,
		logger:     logger,
		port:       port,
		corsOrigin: corsOrigin,
	}
	if authSecret != "" {
		s.authSecret = []byte(authSecret)
	}
	return s
}

// Handler returns the routed API with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Read-only endpoints
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/balance", s.handleBalance)
	mux.HandleFunc("/api/pnl", s.handlePnL)
	mux.HandleFunc("/api/indicators", s.handleIndicators)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/settings", s.handleSettings)

	// Control endpoints
	mux.Handle("/api/bot/start", s.requireAuth(http.HandlerFunc(s.handleStart)))
	mux.Handle("/api/bot/stop", s.requireAuth(http.HandlerFunc(s.handleStop)))
	mux.Handle("/api/reset", s.requireAuth(http.HandlerFunc(s.handleReset)))

	return s.corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth checks an HS256 bearer token when an auth secret is configured.
// Without a secret the control endpoints are open.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authSecret == nil {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		_, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			return s.authSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			s.logger.WithError(err).Warn("Rejected control request")
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"running":   s.bot.Running(),
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.bot.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.bot.Positions().Positions())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.bot.Positions().Trades())
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.bot.Positions().Balance())
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.bot.Positions().PnL())
}

// handleIndicators reports undefined points as null.
func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	set, err := s.bot.Indicators()
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, nullable(set))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.bot.Events())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.bot.Settings())

	case http.MethodPost:
		s.requireAuth(http.HandlerFunc(s.updateSettings)).ServeHTTP(w, r)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	// Unset blocks keep their current values.
	settings := s.bot.Settings()
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.bot.UpdateSettings(r.Context(), settings); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.WithField("strategy", settings.Strategy).Info("Strategy settings updated")
	s.writeJSON(w, http.StatusOK, s.bot.Settings())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	// The bot outlives the request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()

	err := s.bot.Start(ctx)
	switch {
	case errors.Is(err, trader.ErrAlreadyRunning):
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"running": true, "changed": false})
	case err != nil:
		s.logger.WithError(err).Error("Failed to start bot")
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"running": true, "changed": true})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	changed := s.bot.Stop()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"running": false, "changed": changed})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	s.bot.Reset()
	s.writeJSON(w, http.StatusOK, s.bot.Positions().Snapshot())
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// nullable converts NaN points to nil so the series survive JSON encoding.
func nullable(set indicators.Set) map[string][]*float64 {
	out := make(map[string][]*float64, len(set))
	for label, series := range set {
		vals := make([]*float64, len(series))
		for i, v := range series {
			if indicators.IsDefined(v) {
				v := v
				vals[i] = &v
			}
		}
		out[label] = vals
	}
	return out
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
