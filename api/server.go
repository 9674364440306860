// Package api serves the pipeline over HTTP as JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/negroni"

	"github.com/fabfab/pdfrag/apperr"
	"github.com/fabfab/pdfrag/blob"
	"github.com/fabfab/pdfrag/chat"
	"github.com/fabfab/pdfrag/ingestion"
	"github.com/fabfab/pdfrag/logger"
	"github.com/fabfab/pdfrag/pipeline"
)

// Service is the subset of *pipeline.Pipeline the server needs.
type Service interface {
	ListDocuments(ctx context.Context) ([]blob.Document, error)
	Sync(ctx context.Context) (ingestion.SyncReport, error)
	Ask(ctx context.Context, session *chat.Session, question string) (chat.Answer, error)
	Summarize(ctx context.Context, docID string) (pipeline.SummaryResult, error)
	Diff(ctx context.Context, first, second string) (pipeline.DiffResult, error)
}

var _ Service = (*pipeline.Pipeline)(nil)

type Server struct {
	svc           Service
	historyWindow int
	logger        *logger.Logger
	handler       http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable"`
}

type documentResponse struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type syncResponse struct {
	Ingested []string      `json:"ingested"`
	Degraded []string      `json:"degraded"`
	Embedded int           `json:"embedded"`
	Failures []syncFailure `json:"failures"`
}

type syncFailure struct {
	DocumentID string `json:"documentId"`
	Error      string `json:"error"`
	Retryable  bool   `json:"retryable"`
}

type askRequest struct {
	Question   string      `json:"question"`
	History    []chat.Turn `json:"history"`
	UseHistory *bool       `json:"useHistory"`
}

type askResponse struct {
	Answer  string      `json:"answer"`
	Source  string      `json:"source"`
	Outcome string      `json:"outcome"`
	Query   string      `json:"query"`
	Sources []askSource `json:"sources"`
	History []chat.Turn `json:"history"`
}

type askSource struct {
	DocumentID string   `json:"documentId"`
	ChunkID    string   `json:"chunkId"`
	Score      float64  `json:"score"`
	ChunkCount int      `json:"chunkCount,omitempty"`
	Summarized bool     `json:"summarized,omitempty"`
	ComparedTo []string `json:"comparedTo,omitempty"`
}

type summaryResponse struct {
	DocumentID string `json:"documentId"`
	Summary    string `json:"summary"`
	Chunks     int    `json:"chunks"`
	Cached     bool   `json:"cached"`
}

type diffRequest struct {
	First  string `json:"first"`
	Second string `json:"second"`
}

type diffResponse struct {
	First     summaryResponse `json:"first"`
	Second    summaryResponse `json:"second"`
	Identical bool            `json:"identical"`
	Diff      string          `json:"diff"`
}

// New builds a Server. historyWindow bounds the turns kept per request.
func New(svc Service, historyWindow int, log *logger.Logger) *Server {
	s := &Server{svc: svc, historyWindow: historyWindow, logger: logger.OrNop(log)}
	s.handler = s.middleware(s.routes())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer wraps the handler with timeouts suited to long completion
// calls.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      15 * time.Minute,
	}
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/documents", s.handleListDocuments).Methods(http.MethodGet)
	v1.HandleFunc("/documents/{id}/summary", s.handleSummary).Methods(http.MethodGet, http.MethodPost)
	v1.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	v1.HandleFunc("/ask", s.handleAsk).Methods(http.MethodPost)
	v1.HandleFunc("/diff", s.handleDiff).Methods(http.MethodPost)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, apperr.InvalidInput("route request", fmt.Errorf("method %s not allowed", r.Method)), http.StatusMethodNotAllowed)
	})
	return r
}

func (s *Server) middleware(h http.Handler) http.Handler {
	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.Use(negroni.HandlerFunc(s.accessLog))
	n.UseHandler(h)
	return n
}

func (s *Server) accessLog(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(w, r)
	rw, _ := w.(negroni.ResponseWriter)
	status := 0
	if rw != nil {
		status = rw.Status()
	}
	s.logger.Info("http request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration", time.Since(start),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.svc.ListDocuments(r.Context())
	if err != nil {
		s.writeError(w, err, 0)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentResponse{ID: d.ID, Path: d.Path})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Sync(r.Context())
	if err != nil {
		s.writeError(w, err, 0)
		return
	}
	resp := syncResponse{
		Ingested: nonNil(report.Ingested),
		Degraded: nonNil(report.Degraded),
		Embedded: report.Embedded,
		Failures: make([]syncFailure, 0, len(report.Failures)),
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, syncFailure{
			DocumentID: f.DocumentID,
			Error:      f.Err.Error(),
			Retryable:  apperr.Retryable(f.Err),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, apperr.InvalidInput("decode request", err), 0)
		return
	}

	session := chat.NewSession(s.historyWindow)
	if req.UseHistory != nil {
		session.SetUseHistory(*req.UseHistory)
	}
	session.Append(req.History...)

	answer, err := s.svc.Ask(r.Context(), session, req.Question)
	if err != nil {
		s.writeError(w, err, 0)
		return
	}

	resp := askResponse{
		Answer:  answer.Text,
		Source:  answer.Source,
		Outcome: string(answer.Outcome),
		Query:   answer.Query,
		Sources: make([]askSource, 0, len(answer.Sources)),
		History: session.Recent(),
	}
	for _, src := range answer.Sources {
		resp.Sources = append(resp.Sources, askSource{
			DocumentID: src.DocumentID,
			ChunkID:    src.ChunkID,
			Score:      src.Score,
			ChunkCount: src.Insight.ChunkCount,
			Summarized: src.Insight.Summarized,
			ComparedTo: src.Insight.ComparedTo,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Summarize(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err, 0)
		return
	}
	s.writeJSON(w, http.StatusOK, toSummaryResponse(res))
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	var req diffRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, apperr.InvalidInput("decode request", err), 0)
		return
	}
	res, err := s.svc.Diff(r.Context(), req.First, req.Second)
	if err != nil {
		s.writeError(w, err, 0)
		return
	}
	s.writeJSON(w, http.StatusOK, diffResponse{
		First:     toSummaryResponse(res.First),
		Second:    toSummaryResponse(res.Second),
		Identical: res.Identical,
		Diff:      res.Text,
	})
}

func toSummaryResponse(res pipeline.SummaryResult) summaryResponse {
	return summaryResponse{
		DocumentID: res.DocumentID,
		Summary:    res.Formatted,
		Chunks:     res.Chunks,
		Cached:     res.Cached,
	}
}

// StatusFor maps an error to the HTTP status reported to clients.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrExtraction):
		return http.StatusUnprocessableEntity
	case apperr.Retryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

// writeError reports err; status 0 derives the status from the error kind.
func (s *Server) writeError(w http.ResponseWriter, err error, status int) {
	if status == 0 {
		status = StatusFor(err)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("api error", "status", status, "error", err)
	} else {
		s.logger.Debug("api error", "status", status, "error", err)
	}
	s.writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Kind:      string(apperr.KindOf(err)),
		Retryable: apperr.Retryable(err),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
