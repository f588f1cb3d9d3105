package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/verdantstack/verdant-diagnose/internal/history"
	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/services"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
	"github.com/verdantstack/verdant-diagnose/internal/utils"
)

// Handlers binds the diagnosis service to HTTP routes.
type Handlers struct {
	logger     *slog.Logger
	service    *services.DiagnosisService
	aggregator *history.Aggregator
	tax        *taxonomy.Taxonomy
}

// NewHandlers constructs the route handlers.
func NewHandlers(logger *slog.Logger, service *services.DiagnosisService, aggregator *history.Aggregator, tax *taxonomy.Taxonomy) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{logger: logger, service: service, aggregator: aggregator, tax: tax}
}

type errorResponse struct {
	Error string `json:"error"`
}

type candidateResponse struct {
	ClassID    int     `json:"class_id"`
	NameEN     string  `json:"name_en"`
	Confidence float64 `json:"confidence"`
}

type diagnosisResponse struct {
	ID           string              `json:"id"`
	Source       string              `json:"source"`
	Verdict      string              `json:"verdict"`
	ClassID      *int                `json:"class_id,omitempty"`
	NameEN       string              `json:"name_en,omitempty"`
	NameTH       string              `json:"name_th,omitempty"`
	Kind         string              `json:"kind,omitempty"`
	Confidence   float64             `json:"confidence"`
	Candidates   []candidateResponse `json:"top_candidates,omitempty"`
	ModelVersion string              `json:"model_version,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	PlotID       string              `json:"plot_id,omitempty"`
	Vegetable    string              `json:"vegetable,omitempty"`
	Advice       []string            `json:"advice,omitempty"`
	Cached       bool                `json:"cached,omitempty"`
}

// Diagnose accepts a multipart image upload and runs the full pipeline.
func (h *Handlers) Diagnose(c echo.Context) error {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "multipart field 'image' is required"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "uploaded image unreadable"})
	}
	defer file.Close()

	imageBytes, err := io.ReadAll(file)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "uploaded image unreadable"})
	}

	req := models.DiagnosisRequest{
		ImageBytes:   imageBytes,
		DeclaredMIME: fileHeader.Header.Get("Content-Type"),
		PlotID:       c.FormValue("plot_id"),
		Vegetable:    c.FormValue("vegetable_id"),
		UploaderID:   c.FormValue("uploader_id"),
		Locale:       c.FormValue("locale"),
		ReceivedAt:   time.Now().UTC(),
	}

	diagnosis, err := h.service.Diagnose(c.Request().Context(), req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.toResponse(diagnosis))
}

// ListDiagnoses returns stored diagnoses filtered by plot and time window.
func (h *Handlers) ListDiagnoses(c echo.Context) error {
	req, err := listRequestFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	resp, err := h.service.List(c.Request().Context(), req)
	if err != nil {
		h.logger.Error("list diagnoses failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list diagnoses"})
	}

	out := struct {
		Records       []diagnosisResponse `json:"records"`
		NextPageToken string              `json:"next_page_token,omitempty"`
	}{NextPageToken: resp.NextPageToken, Records: make([]diagnosisResponse, 0, len(resp.Records))}
	for _, record := range resp.Records {
		out.Records = append(out.Records, h.toResponse(services.Diagnosis{Record: record}))
	}
	return c.JSON(http.StatusOK, out)
}

// Stats returns per-class prevalence over the stored history.
func (h *Handlers) Stats(c echo.Context) error {
	req, err := listRequestFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	stats, err := h.aggregator.Aggregate(c.Request().Context(), req)
	if err != nil {
		h.logger.Error("stats aggregation failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to aggregate stats"})
	}
	return c.JSON(http.StatusOK, stats)
}

// Health reports liveness.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidImage):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrOverloaded):
		return c.JSON(http.StatusTooManyRequests, errorResponse{Error: "diagnosis capacity exhausted, retry later"})
	case errors.Is(err, models.ErrDiagnosisUnavailable):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "no classifier could produce a verdict"})
	case errors.Is(err, models.ErrModelUnavailable):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "local model unavailable"})
	case errors.Is(err, models.ErrRemoteTimeout):
		return c.JSON(http.StatusGatewayTimeout, errorResponse{Error: "remote classifier timed out"})
	case errors.Is(err, models.ErrRemoteUnavailable), errors.Is(err, models.ErrRemoteParse):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "remote classifier failed"})
	default:
		h.logger.Error("diagnosis request failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *Handlers) toResponse(diagnosis services.Diagnosis) diagnosisResponse {
	record := diagnosis.Record
	result := record.Result

	resp := diagnosisResponse{
		ID:           record.ID,
		Source:       string(result.Source),
		Verdict:      string(result.Verdict),
		ClassID:      result.ClassID,
		Confidence:   result.Confidence,
		ModelVersion: result.ModelVersion,
		CreatedAt:    result.CreatedAt,
		PlotID:       record.PlotID,
		Vegetable:    record.Vegetable,
		Advice:       diagnosis.Advice,
		Cached:       diagnosis.Cached,
	}
	if result.ClassID != nil {
		resp.NameEN = h.tax.EnglishName(*result.ClassID)
		resp.NameTH = h.tax.ThaiName(*result.ClassID)
	}
	if result.TaxonomyKind != nil {
		resp.Kind = string(*result.TaxonomyKind)
	}
	for _, cand := range result.TopCandidates {
		resp.Candidates = append(resp.Candidates, candidateResponse{
			ClassID:    cand.ClassID,
			NameEN:     h.tax.EnglishName(cand.ClassID),
			Confidence: cand.Confidence,
		})
	}
	return resp
}

func listRequestFromQuery(c echo.Context) (models.ListDiagnosesRequest, error) {
	req := models.ListDiagnosesRequest{
		PlotID:    c.QueryParam("plot_id"),
		PageToken: c.QueryParam("page_token"),
	}

	start, err := utils.ParseRFC3339(c.QueryParam("start"))
	if err != nil {
		return models.ListDiagnosesRequest{}, errors.New("start must be RFC3339")
	}
	end, err := utils.ParseRFC3339(c.QueryParam("end"))
	if err != nil {
		return models.ListDiagnosesRequest{}, errors.New("end must be RFC3339")
	}
	req.Start, req.End = start, end

	if raw := c.QueryParam("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			return models.ListDiagnosesRequest{}, errors.New("page_size must be a non-negative integer")
		}
		req.PageSize = size
	}
	return req, nil
}
