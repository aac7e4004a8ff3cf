// Package agent exposes the local HTTP API that report producers and
// wellsctl talk to.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"sort"
	"time"

	"github.com/austindbirch/wells/internal/delivery"
	"github.com/austindbirch/wells/internal/engine"
	"github.com/austindbirch/wells/internal/logging"
	"github.com/austindbirch/wells/internal/store"
	"github.com/austindbirch/wells/internal/tracing"
)

// ContentTypeHeader on a submission becomes the Content-Type of the upload.
const ContentTypeHeader = "X-Wells-Content-Type"

// DefaultMaxPayload bounds the size of a submitted report.
const DefaultMaxPayload int64 = 16 << 20

type Engine interface {
	SubmitReport(ctx context.Context, payload []byte, template delivery.Request) (string, error)
	Sweep(ctx context.Context) (engine.SweepResult, error)
}

type Store interface {
	ListExisting() iter.Seq[store.Entry]
	Identify(location string) (string, bool)
}

type SubmitResponse struct {
	ReportID string `json:"report_id"`
}

type Report struct {
	ReportID   string    `json:"report_id,omitempty"`
	Location   string    `json:"location"`
	CreatedAt  time.Time `json:"created_at"`
	AgeSeconds int64     `json:"age_seconds"`
}

type ListResponse struct {
	Reports []Report `json:"reports"`
}

type SweepResponse struct {
	Examined int `json:"examined"`
	InFlight int `json:"in_flight"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	engine     Engine
	store      Store
	template   delivery.Request
	maxPayload int64
	logger     *logging.Logger
	now        func() time.Time
}

type Option func(*Server)

func WithMaxPayload(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer returns an API that submits every report with a copy of template.
func NewServer(e Engine, st Store, template delivery.Request, opts ...Option) *Server {
	s := &Server{
		engine:     e,
		store:      st,
		template:   template.Clone(),
		maxPayload: DefaultMaxPayload,
		logger:     logging.New("wells-agent"),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the report routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/reports", s.handleSubmit)
	mux.HandleFunc("GET /v1/reports", s.handleList)
	mux.HandleFunc("POST /v1/sweep", s.handleSweep)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "agent.submit")
	defer span.End()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "report too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}
	if len(payload) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty report"})
		return
	}

	req := s.template.Clone()
	if ct := r.Header.Get(ContentTypeHeader); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	id, err := s.engine.SubmitReport(ctx, payload, req)
	switch {
	case err == nil:
		s.logger.WithContext(ctx).WithReport(id).WithField("bytes", len(payload)).Info("report accepted")
		writeJSON(w, http.StatusAccepted, SubmitResponse{ReportID: id})
	case errors.Is(err, engine.ErrStoreFailed):
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithError(err).Error("report not stored")
		writeJSON(w, http.StatusInsufficientStorage, errorResponse{Error: err.Error()})
	default:
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithError(err).Error("report not accepted")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	out := ListResponse{Reports: []Report{}}
	for entry := range s.store.ListExisting() {
		id, _ := s.store.Identify(entry.Location)
		out.Reports = append(out.Reports, Report{
			ReportID:   id,
			Location:   entry.Location,
			CreatedAt:  entry.CreatedAt.UTC(),
			AgeSeconds: int64(now.Sub(entry.CreatedAt) / time.Second),
		})
	}
	sort.Slice(out.Reports, func(i, j int) bool {
		return out.Reports[i].CreatedAt.Before(out.Reports[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("manual sweep failed")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Examined: res.Examined, InFlight: res.InFlight})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
