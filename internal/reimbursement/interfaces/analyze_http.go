package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"charging-refund/internal/reimbursement/application"
	reimbursement "charging-refund/internal/reimbursement/domain"
)

// AnalyzePath is the route of the analysis endpoint.
const AnalyzePath = "/api/admin/refusjon/csv/analyser"

const maxBodyBytes = 10 << 20

// Analyzer runs a reimbursement analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req application.AnalyzeRequest) (*application.Analysis, error)
}

// AnalyzeHandler serves the analysis endpoint.
type AnalyzeHandler struct {
	analyzer Analyzer
	loc      *time.Location
	logger   *slog.Logger
}

// NewAnalyzeHandler constructs a handler. Timestamps without an offset are
// read in loc.
func NewAnalyzeHandler(analyzer Analyzer, loc *time.Location, logger *slog.Logger) (*AnalyzeHandler, error) {
	if analyzer == nil {
		return nil, errors.New("analyze handler: nil analyzer")
	}
	if loc == nil {
		return nil, reimbursement.ErrNilLocation
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyzeHandler{analyzer: analyzer, loc: loc, logger: logger}, nil
}

type sessionRequest struct {
	ID    string   `json:"id"`
	Start *string  `json:"start"`
	End   *string  `json:"end"`
	KWh   *float64 `json:"kwh"`
}

type analyzeRequest struct {
	EmployeeID  string           `json:"employee_id"`
	Month       string           `json:"month"`
	PeriodStart string           `json:"period_start"`
	PeriodEnd   string           `json:"period_end"`
	IncludeBits bool             `json:"include_bits"`
	Sessions    []sessionRequest `json:"sessions"`
}

// ServeHTTP handles POST /api/admin/refusjon/csv/analyser.
func (h *AnalyzeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != AnalyzePath {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.handleAnalyze(w, r)
}

func (h *AnalyzeHandler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	runID := uuid.New().String()
	logger := h.logger.With("run_id", runID)
	w.Header().Set("X-Run-Id", runID)

	var body analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req, err := h.toRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	analysis, err := h.analyzer.Analyze(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logger.Error("analysis failed", "employee", req.EmployeeID, "err", err)
			http.Error(w, "internal error", status)
			return
		}
		logger.Warn("analysis rejected", "employee", req.EmployeeID, "status", status, "err", err)
		http.Error(w, err.Error(), status)
		return
	}

	logger.Info("analysis served",
		"employee", req.EmployeeID,
		"sessions", analysis.Summary.SessionCount,
		"skipped", analysis.Summary.SkippedCount,
		"missing_hours", len(analysis.MissingHours),
	)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toResponse(runID, analysis, h.loc))
}

func (h *AnalyzeHandler) toRequest(body analyzeRequest) (application.AnalyzeRequest, error) {
	if strings.TrimSpace(body.EmployeeID) == "" {
		return application.AnalyzeRequest{}, errors.New("employee_id required")
	}
	req := application.AnalyzeRequest{
		EmployeeID:  strings.TrimSpace(body.EmployeeID),
		IncludeBits: body.IncludeBits,
		Sessions:    make([]application.SessionInput, 0, len(body.Sessions)),
	}

	if body.Month != "" {
		month, err := time.ParseInLocation("2006-01", body.Month, h.loc)
		if err != nil {
			return req, fmt.Errorf("invalid month %q", body.Month)
		}
		req.PeriodStart = month
		req.PeriodEnd = month.AddDate(0, 1, 0)
	}
	if body.PeriodStart != "" {
		t, ok := parseTimestamp(body.PeriodStart, h.loc)
		if !ok {
			return req, fmt.Errorf("invalid period_start %q", body.PeriodStart)
		}
		req.PeriodStart = t
	}
	if body.PeriodEnd != "" {
		t, ok := parseTimestamp(body.PeriodEnd, h.loc)
		if !ok {
			return req, fmt.Errorf("invalid period_end %q", body.PeriodEnd)
		}
		req.PeriodEnd = t
	}
	if !req.PeriodStart.IsZero() && !req.PeriodEnd.IsZero() && !req.PeriodEnd.After(req.PeriodStart) {
		return req, errors.New("period_end must be after period_start")
	}

	for _, s := range body.Sessions {
		in := application.SessionInput{ID: s.ID, KWh: s.KWh}
		if s.Start != nil {
			if t, ok := parseTimestamp(*s.Start, h.loc); ok {
				in.Start = &t
			}
		}
		if s.End != nil {
			if t, ok := parseTimestamp(*s.End, h.loc); ok {
				in.End = &t
			}
		}
		req.Sessions = append(req.Sessions, in)
	}
	return req, nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTimestamp accepts RFC3339 or an offset-less local time in loc.
func parseTimestamp(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, true
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, reimbursement.ErrEmptyEmployeeID):
		return http.StatusBadRequest
	case errors.Is(err, reimbursement.ErrNoSettings),
		errors.Is(err, reimbursement.ErrUnknownPolicy),
		errors.Is(err, reimbursement.ErrInvalidPolicyParams),
		errors.Is(err, reimbursement.ErrInvalidProfile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
