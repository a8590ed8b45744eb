package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/help-matching/internal/apperr"
	"github.com/example/help-matching/internal/dispatch"
	"github.com/example/help-matching/internal/matcher"
	"github.com/example/help-matching/internal/models"
	"github.com/example/help-matching/internal/requests"
)

const maxBodyBytes = 1 << 20

type Server struct {
	svc    *matcher.Service
	ws     *dispatch.WSRegistry
	ready  func(ctx context.Context) error
	logger *slog.Logger
	mux    *mux.Router
}

type Options struct {
	Service *matcher.Service
	WS      *dispatch.WSRegistry
	// Ready backs /readyz. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		svc:    opts.Service,
		ws:     opts.WS,
		ready:  opts.Ready,
		logger: opts.Logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/internal/sweep", s.handleSweep).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.callerMiddleware)
	api.HandleFunc("/locations", s.handleReportLocation).Methods(http.MethodPost)
	api.HandleFunc("/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleDeleteRequest).Methods(http.MethodDelete)
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/accept", s.handleCancelAcceptance).Methods(http.MethodDelete)
	api.HandleFunc("/requests/{id}/status", s.handleUpdateStatus).Methods(http.MethodPatch)
	api.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	var pos models.Position
	if err := decodeJSON(r, &pos); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.ReportLocation(r.Context(), callerFromContext(r.Context()), pos); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err := errors.Join(err1, err2); err != nil {
		s.writeError(w, r, apperr.Validation("lat and lon query parameters are required numbers"))
		return
	}
	radius := 5.0
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, r, apperr.Validation("radius_km must be a number"))
			return
		}
		radius = f
	}
	users, err := s.svc.FindNearbyUsers(r.Context(), callerFromContext(r.Context()), matcher.NearbyQuery{
		Origin:   models.Position{Lat: lat, Lon: lon},
		RadiusKm: radius,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in requests.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.CreateRequest(r.Context(), callerFromContext(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListMyRequests(r.Context(), callerFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": list})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteRequest(r.Context(), mux.Vars(r)["id"], callerFromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type acceptBody struct {
	Message string `json:"message"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body acceptBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	res, err := s.svc.AcceptRequest(r.Context(), mux.Vars(r)["id"], callerFromContext(r.Context()), body.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelAcceptance(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.CancelAcceptance(r.Context(), mux.Vars(r)["id"], callerFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var in requests.UpdateStatusInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.UpdateRequestStatus(r.Context(), mux.Vars(r)["id"], callerFromContext(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.SweepExpired(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := callerFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("ws upgrade failed", "user_id", id, "error", err)
		return
	}
	s.ws.Serve(id, conn)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		s.logger.Error("unhandled error", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: string(apperr.KindInternal)})
		return
	}
	status := statusFor(e.Kind)
	if e.Kind == apperr.KindUnavailable {
		s.logger.Warn("backing store unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{Error: e.Message, Code: string(e.Kind), Reason: string(e.Reason)})
}
