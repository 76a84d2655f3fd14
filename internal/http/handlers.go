package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/technician-dispatch/internal/auth"
	"github.com/example/technician-dispatch/internal/errs"
	"github.com/example/technician-dispatch/internal/matching"
	"github.com/example/technician-dispatch/internal/models"
	"github.com/example/technician-dispatch/internal/observability"
	"github.com/example/technician-dispatch/internal/realtime"
)

// MatchingService is the matching surface exposed over REST.
type MatchingService interface {
	Create(ctx context.Context, actor auth.Principal, in matching.CreateInput) (*matching.View, error)
	Get(ctx context.Context, actor auth.Principal, id string) (*matching.View, error)
	Cancel(ctx context.Context, actor auth.Principal, id string) (*matching.View, error)
	Retry(ctx context.Context, actor auth.Principal, id string) (*matching.View, error)
	Respond(ctx context.Context, actor auth.Principal, id string, in matching.Response) (*matching.View, error)
}

// LocationSink accepts technician location updates.
type LocationSink interface {
	Upsert(ctx context.Context, t models.Technician) error
}

// LocationPublisher forwards location updates to the stream the location
// consumer reads.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, t models.Technician) error
}

type Deps struct {
	Matchings MatchingService
	Verifier  auth.Verifier
	Hub       *realtime.Hub
	// Directory is updated directly when Locations is nil.
	Directory LocationSink
	Locations LocationPublisher
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:     deps,
		logger:   logger.With("component", "http"),
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	s.mux.Handle("/matchings", s.authenticated(s.handleCreate)).Methods(http.MethodPost)
	s.mux.Handle("/matchings/{id}", s.authenticated(s.handleGet)).Methods(http.MethodGet)
	s.mux.Handle("/matchings/{id}/cancel", s.authenticated(s.handleCancel)).Methods(http.MethodPost)
	s.mux.Handle("/matchings/{id}/retry", s.authenticated(s.handleRetry)).Methods(http.MethodPost)
	s.mux.Handle("/matchings/{id}/respond", s.authenticated(s.handleRespond)).Methods(http.MethodPost)
	s.mux.Handle("/internal/technicians/locations", s.authenticated(s.handleTechnicianLocation)).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createMatchingRequest struct {
	ReservationID   string   `json:"reservation_id"`
	MaxDistance     *float64 `json:"max_distance"`
	PriorityFactors []string `json:"priority_factors"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req createMatchingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.deps.Matchings.Create(r.Context(), p, matching.CreateInput{
		ReservationID:   req.ReservationID,
		MaxDistance:     req.MaxDistance,
		PriorityFactors: req.PriorityFactors,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	v, err := s.deps.Matchings.Get(r.Context(), p, mux.Vars(r)["id"])
	s.reply(w, r, v, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	v, err := s.deps.Matchings.Cancel(r.Context(), p, mux.Vars(r)["id"])
	s.reply(w, r, v, err)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	v, err := s.deps.Matchings.Retry(r.Context(), p, mux.Vars(r)["id"])
	s.reply(w, r, v, err)
}

type respondRequest struct {
	Accept           *bool      `json:"accept"`
	DeclineReason    string     `json:"decline_reason"`
	EstimatedArrival *time.Time `json:"estimated_arrival"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Accept == nil {
		s.writeError(w, r, errs.NewValidationError("accept", "is required"))
		return
	}
	v, err := s.deps.Matchings.Respond(r.Context(), p, mux.Vars(r)["id"], matching.Response{
		Accept:           *req.Accept,
		DeclineReason:    req.DeclineReason,
		EstimatedArrival: req.EstimatedArrival,
	})
	s.reply(w, r, v, err)
}

func (s *Server) handleTechnicianLocation(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if !p.IsAdmin() {
		s.writeError(w, r, errs.NewForbiddenError("location ingest is restricted to internal callers"))
		return
	}
	var t models.Technician
	if err := decodeJSON(r, &t); err != nil {
		s.writeError(w, r, err)
		return
	}
	if t.ID == "" {
		s.writeError(w, r, errs.NewValidationError("id", "is required"))
		return
	}
	if t.Loc.Lat < -90 || t.Loc.Lat > 90 || t.Loc.Lon < -180 || t.Loc.Lon > 180 {
		s.writeError(w, r, errs.NewValidationError("loc", "coordinates out of range"))
		return
	}

	var err error
	if s.deps.Locations != nil {
		err = s.deps.Locations.PublishLocation(r.Context(), t)
	} else {
		err = s.deps.Directory.Upsert(r.Context(), t)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.LocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWS authenticates before upgrading so rejected clients get a plain
// HTTP status.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.deps.Hub.Serve(conn, p)
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, v *matching.View, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		args := []any{"route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err}
		if p, ok := auth.FromContext(r.Context()); ok {
			args = append(args, "user_id", p.UserID, "role", p.Role)
		}
		s.logger.Error("request failed", args...)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: errs.Code(err), Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.NewValidationError("body", "request body is empty")
		}
		return errs.NewValidationErrorWithCause("body", "malformed JSON", err)
	}
	return nil
}

func newID() string { return uuid.NewString() }
