package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Brownie44l1/malaria-api/internal/decision"
	"github.com/Brownie44l1/malaria-api/internal/metrics"
	"github.com/Brownie44l1/malaria-api/internal/model"
	"github.com/Brownie44l1/malaria-api/internal/preprocess"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	uploadField           = "file"
)

type Options struct {
	FrontendDir    string
	MaxUploadBytes int64
	// MaxPixels caps width*height of decoded uploads. Zero uses
	// preprocess.DefaultMaxPixels.
	MaxPixels int
	// ModelName is reported by /health.
	ModelName string
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
}

type Handler struct {
	predictor      model.Predictor
	normalizer     *preprocess.Normalizer
	policy         decision.Policy
	frontendDir    string
	maxUploadBytes int64
	maxPixels      int
	modelName      string
	log            *logrus.Logger
	metrics        *metrics.Metrics
}

func NewHandler(predictor model.Predictor, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Handler{
		predictor:      predictor,
		normalizer:     preprocess.NewNormalizer(predictor.Input()),
		policy:         decision.NewPolicy(predictor.Classes()),
		frontendDir:    opts.FrontendDir,
		maxUploadBytes: opts.MaxUploadBytes,
		maxPixels:      opts.MaxPixels,
		modelName:      opts.ModelName,
		log:            opts.Logger,
		metrics:        opts.Metrics,
	}
}

type PredictionResponse struct {
	Status     string  `json:"status"`
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status  string           `json:"status"`
	Model   string           `json:"model"`
	Input   model.InputSpec  `json:"input"`
	Outputs int              `json:"outputs"`
	Classes []string         `json:"classes"`
	Pool    *model.PoolStats `json:"pool,omitempty"`
}

type timings struct {
	Decode     time.Duration
	Preprocess time.Duration
	Inference  time.Duration
	Decision   time.Duration
	Total      time.Duration
}

func (t timings) fields() logrus.Fields {
	return logrus.Fields{
		"decode":     t.Decode,
		"preprocess": t.Preprocess,
		"inference":  t.Inference,
		"decision":   t.Decision,
		"total":      t.Total,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Model:   h.modelName,
		Input:   h.predictor.Input(),
		Outputs: h.predictor.OutputUnits(),
		Classes: h.predictor.Classes(),
	}
	if p, ok := h.predictor.(interface{ Stats() model.PoolStats }); ok {
		stats := p.Stats()
		resp.Pool = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)

	resp, t, err := h.predict(w, r)
	if err != nil {
		h.writeFailure(w, log, err)
		return
	}

	log.WithFields(t.fields()).Debug("Prediction timings")
	log.WithFields(logrus.Fields{
		"prediction": resp.Prediction,
		"confidence": resp.Confidence,
	}).Info("Prediction served")

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) predict(w http.ResponseWriter, r *http.Request) (PredictionResponse, timings, error) {
	var t timings
	start := time.Now()

	tooLargeMsg := fmt.Sprintf("Upload exceeds %d bytes", h.maxUploadBytes)
	if r.ContentLength > h.maxUploadBytes {
		return PredictionResponse{}, t, clientError(http.StatusRequestEntityTooLarge, "file_too_large", tooLargeMsg,
			fmt.Errorf("content length %d", r.ContentLength))
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return PredictionResponse{}, t, clientError(http.StatusRequestEntityTooLarge, "file_too_large", tooLargeMsg, err)
		}
		return PredictionResponse{}, t, clientError(http.StatusBadRequest, "invalid_request", "Failed to parse form", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return PredictionResponse{}, t, clientError(http.StatusBadRequest, "missing_file",
			"No image file provided. Use 'file' as the form field name", err)
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return PredictionResponse{}, t, clientError(http.StatusBadRequest, "unsupported_media_type",
			"Only image files supported", fmt.Errorf("content type %q", contentType))
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return PredictionResponse{}, t, fmt.Errorf("read upload: %w", err)
	}

	decodeStart := time.Now()
	img, err := preprocess.Decode(data, h.maxPixels)
	t.Decode = time.Since(decodeStart)
	if err != nil {
		return PredictionResponse{}, t, err
	}

	prepStart := time.Now()
	tensor, err := h.normalizer.Normalize(img)
	t.Preprocess = time.Since(prepStart)
	if err != nil {
		return PredictionResponse{}, t, fmt.Errorf("preprocess: %w", err)
	}

	inferStart := time.Now()
	scores, err := h.predictor.Infer(r.Context(), tensor)
	t.Inference = time.Since(inferStart)
	if err != nil {
		return PredictionResponse{}, t, fmt.Errorf("inference: %w", err)
	}
	if h.metrics != nil {
		h.metrics.ObserveInference(t.Inference)
	}

	decideStart := time.Now()
	result, err := h.policy.Decide(scores)
	t.Decision = time.Since(decideStart)
	if err != nil {
		return PredictionResponse{}, t, fmt.Errorf("decision on %v: %w", scores, err)
	}
	if h.metrics != nil {
		h.metrics.ObservePrediction(string(result.Label))
	}

	t.Total = time.Since(start)
	return PredictionResponse{
		Status:     "success",
		Prediction: string(result.Label),
		Confidence: result.Percent(),
	}, t, nil
}

// requestError carries the status and public message for a failure; the
// wrapped error is only logged.
type requestError struct {
	status  int
	code    string
	message string
	err     error
}

func (e *requestError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *requestError) Unwrap() error { return e.err }

func clientError(status int, code, message string, err error) *requestError {
	return &requestError{status: status, code: code, message: message, err: err}
}

// classify maps any pipeline error onto the response the caller sees.
func classify(err error) *requestError {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr
	case errors.Is(err, preprocess.ErrInvalidImage):
		return clientError(http.StatusBadRequest, "invalid_image", "Image processing error", err)
	default:
		return &requestError{status: http.StatusInternalServerError, code: "prediction_error", message: "Prediction error", err: err}
	}
}

func (h *Handler) writeFailure(w http.ResponseWriter, log *logrus.Entry, err error) {
	reqErr := classify(err)
	if reqErr.status >= http.StatusInternalServerError {
		log.WithError(err).Error("Prediction failed")
	} else {
		log.WithError(err).Warn("Rejected prediction request")
	}
	writeError(w, reqErr.status, reqErr.code, reqErr.message)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}
