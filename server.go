package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/meowid/breed-service/breeds"
	"github.com/meowid/breed-service/imagecodec"
	"github.com/meowid/breed-service/inference"
	"github.com/meowid/breed-service/logger"
	"github.com/meowid/breed-service/metrics"
	"github.com/meowid/breed-service/models"
	"github.com/meowid/breed-service/pipeline"
	"github.com/meowid/breed-service/presence"
	"github.com/meowid/breed-service/preprocess"
)

const codeTimeout = "timeout"

// AppState carries the shared, read-only pipeline components. Every request
// or session gets its own orchestrator on top of them.
type AppState struct {
	Catalog      *breeds.Catalog
	Decoder      *imagecodec.Decoder
	Validator    *presence.Validator
	Preprocessor *preprocess.Preprocessor
	Engine       *inference.Engine
	Detector     *inference.ONNXDetector
	Sessions     *SessionRegistry

	MaxBytes       int64
	RequestTimeout time.Duration
	AllowedOrigins []string
	EnableMetrics  bool
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

type IdentifyResponse struct {
	RunID        uint64                    `json:"run_id"`
	Primary      models.RankedPrediction   `json:"primary"`
	Alternatives []models.RankedPrediction `json:"alternatives"`
	Image        *pipeline.ImageInfo       `json:"image,omitempty"`
	Timings      *TimingsResponse          `json:"timings_ms,omitempty"`
}

type TimingsResponse struct {
	ImageDecode float64 `json:"decode"`
	Validate    float64 `json:"validate"`
	Preprocess  float64 `json:"preprocess"`
	ModelLoad   float64 `json:"model_load"`
	Inference   float64 `json:"inference"`
	Rank        float64 `json:"rank"`
	Total       float64 `json:"total"`
}

type SessionResponse struct {
	ID     string                       `json:"id"`
	State  pipeline.State               `json:"state"`
	RunID  uint64                       `json:"run_id,omitempty"`
	Busy   bool                         `json:"busy"`
	Image  *pipeline.ImageInfo          `json:"image,omitempty"`
	Result *models.ClassificationResult `json:"result,omitempty"`
	Error  *ErrorResponse               `json:"error,omitempty"`
}

type UploadResponse struct {
	RunID uint64 `json:"run_id"`
}

// NewOrchestrator builds a pipeline bound to the shared components.
func (s *AppState) NewOrchestrator(sessionID string) *pipeline.Orchestrator {
	return pipeline.New(s.Decoder, s.Validator, s.Preprocessor, s.Engine, pipeline.WithSessionID(sessionID))
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, s.corsMiddleware)

	r.HandleFunc("/identify", s.handleIdentify).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/sessions/{id}/upload", s.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/sessions/{id}/reset", s.handleReset).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/breeds", s.handleListBreeds).Methods(http.MethodGet)
	r.HandleFunc("/breeds/{id}", s.handleGetBreed).Methods(http.MethodGet)

	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.EnableMetrics {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
}

func (s *AppState) handleIdentify(w http.ResponseWriter, r *http.Request) {
	raw, err := readImage(w, r, s.MaxBytes)
	if err != nil {
		sendRequestError(w, err)
		return
	}

	o := s.NewOrchestrator("")
	defer o.Close()
	o.Upload(raw)

	ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
	defer cancel()

	snap, err := o.Await(ctx)
	if err != nil {
		sendErrorResponse(w, codeTimeout, MsgTimeout, err.Error(), http.StatusGatewayTimeout)
		return
	}
	if snap.Err != nil {
		sendPipelineError(w, snap.Err)
		return
	}

	sendJSON(w, http.StatusOK, IdentifyResponse{
		RunID:        snap.RunID,
		Primary:      snap.Result.Primary,
		Alternatives: snap.Result.Alternatives,
		Image:        snap.Image,
		Timings:      newTimingsResponse(snap.Timings),
	})
}

func (s *AppState) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	session, err := s.Sessions.Create()
	if err != nil {
		sendErrorResponse(w, "session_limit", err.Error(), "", http.StatusServiceUnavailable)
		return
	}
	sendJSON(w, http.StatusCreated, sessionResponse(session))
}

func (s *AppState) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, sessionResponse(session))
}

func (s *AppState) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Delete(mux.Vars(r)["id"]); err != nil {
		sendErrorResponse(w, "session_not_found", err.Error(), "", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AppState) handleUpload(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	raw, err := readImage(w, r, s.MaxBytes)
	if err != nil {
		sendRequestError(w, err)
		return
	}

	runID := session.Orchestrator.Upload(raw)
	sendJSON(w, http.StatusAccepted, UploadResponse{RunID: runID})
}

func (s *AppState) handleReset(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	session.Orchestrator.Reset()
	sendJSON(w, http.StatusOK, sessionResponse(session))
}

func (s *AppState) lookupSession(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	session, err := s.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		sendErrorResponse(w, "session_not_found", err.Error(), "", http.StatusNotFound)
		return nil, false
	}
	return session, true
}

func (s *AppState) handleListBreeds(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.Catalog.Gallery())
}

func (s *AppState) handleGetBreed(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.Catalog.Lookup(mux.Vars(r)["id"])
	if !ok {
		sendErrorResponse(w, "breed_not_found", "unknown breed", mux.Vars(r)["id"], http.StatusNotFound)
		return
	}
	sendJSON(w, http.StatusOK, entry)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"model_loaded": s.Engine.IsLoaded(),
		"model":        s.Engine.ModelName(),
		"sessions":     s.Sessions.Len(),
	})
}

func (s *AppState) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *AppState) originAllowed(origin string) bool {
	for _, o := range s.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *AppState) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.HTTPLogger.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func sessionResponse(session *Session) SessionResponse {
	snap := session.Orchestrator.Snapshot()
	resp := SessionResponse{
		ID:     session.ID,
		State:  snap.State,
		RunID:  snap.RunID,
		Busy:   snap.State.Busy(),
		Image:  snap.Image,
		Result: snap.Result,
	}
	if snap.Err != nil {
		resp.Error = newErrorResponse(snap.Err)
	}
	return resp
}

func newErrorResponse(err error) *ErrorResponse {
	return &ErrorResponse{
		Code:    models.CategoryOf(err),
		Message: userMessage(err),
		Details: err.Error(),
		Hint:    MsgResetHint,
	}
}

func newTimingsResponse(t models.ProcessingTimings) *TimingsResponse {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return &TimingsResponse{
		ImageDecode: ms(t.ImageDecode),
		Validate:    ms(t.Validate),
		Preprocess:  ms(t.Preprocess),
		ModelLoad:   ms(t.ModelLoad),
		Inference:   ms(t.Inference),
		Rank:        ms(t.Rank),
		Total:       ms(t.Total),
	}
}

// statusFor maps an error category to its HTTP status.
func statusFor(category string) int {
	switch category {
	case models.CategoryDecode:
		return http.StatusBadRequest
	case models.CategoryTooLarge:
		return http.StatusRequestEntityTooLarge
	case models.CategoryValidation:
		return http.StatusUnprocessableEntity
	case models.CategoryModelLoad, models.CategoryNotLoaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sendPipelineError(w http.ResponseWriter, err error) {
	sendJSON(w, statusFor(models.CategoryOf(err)), newErrorResponse(err))
}

// sendRequestError reports a body that could not be read as an image upload.
func sendRequestError(w http.ResponseWriter, err error) {
	var tle *models.TooLargeError
	if errors.As(err, &tle) {
		sendPipelineError(w, err)
		return
	}
	sendErrorResponse(w, "invalid_request", MsgDecode, err.Error(), http.StatusBadRequest)
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	sendJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("write response: %v", err)
	}
}
