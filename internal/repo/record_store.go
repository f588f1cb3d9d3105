package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/utils"
)

// recordDTO is the wire shape of a stored diagnosis.
type recordDTO struct {
	ID           string         `json:"id,omitempty"`
	Source       string         `json:"source"`
	Verdict      string         `json:"verdict"`
	ClassID      *int           `json:"class_id,omitempty"`
	Confidence   float64        `json:"confidence"`
	Candidates   []candidateDTO `json:"top_candidates,omitempty"`
	TaxonomyKind *string        `json:"taxonomy_kind,omitempty"`
	ModelVersion string         `json:"model_version,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	PlotID       string         `json:"plot_id,omitempty"`
	Vegetable    string         `json:"vegetable,omitempty"`
	UploaderID   string         `json:"uploader_id,omitempty"`
	Locale       string         `json:"locale,omitempty"`
	ImageHash    string         `json:"image_hash,omitempty"`
	StoredAt     time.Time      `json:"stored_at,omitempty"`
}

type candidateDTO struct {
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
}

// HTTPRecordStore persists finalized diagnoses against the external record
// service. The service's contract: accept exactly one result per request,
// assign it a stable id, and reject only on storage failure, never on
// diagnosis content.
type HTTPRecordStore struct {
	baseURL     string
	recordsPath string
	httpClient  *http.Client
}

// NewHTTPRecordStore constructs a client for the configured record service.
func NewHTTPRecordStore(baseURL, recordsPath string, timeout time.Duration) *HTTPRecordStore {
	if recordsPath == "" {
		recordsPath = "/api/v1/diagnosis-records"
	}
	return &HTTPRecordStore{
		baseURL:     strings.TrimRight(baseURL, "/"),
		recordsPath: recordsPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Store persists one record and returns it with the assigned id.
func (s *HTTPRecordStore) Store(ctx context.Context, record models.DiagnosisRecord) (models.DiagnosisRecord, error) {
	if s.baseURL == "" {
		return models.DiagnosisRecord{}, utils.NewAppError("repo.Store", "record store base URL not configured", nil)
	}

	body, err := json.Marshal(toDTO(record))
	if err != nil {
		return models.DiagnosisRecord{}, utils.NewAppError("repo.Store", "encode record", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+s.recordsPath, bytes.NewReader(body))
	if err != nil {
		return models.DiagnosisRecord{}, utils.NewAppError("repo.Store", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return models.DiagnosisRecord{}, utils.NewAppError("repo.Store", "record store unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return models.DiagnosisRecord{}, utils.NewAppError("repo.Store", fmt.Sprintf("record store returned status %d", resp.StatusCode), nil)
	}

	var stored recordDTO
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return models.DiagnosisRecord{}, utils.NewAppError("repo.Store", "decode stored record", err)
	}
	if stored.ID == "" {
		return models.DiagnosisRecord{}, utils.NewAppError("repo.Store", "record store assigned no id", nil)
	}
	return fromDTO(stored), nil
}

// List returns stored records matching the filters.
func (s *HTTPRecordStore) List(ctx context.Context, req models.ListDiagnosesRequest) (models.ListDiagnosesResponse, error) {
	if s.baseURL == "" {
		return models.ListDiagnosesResponse{}, utils.NewAppError("repo.List", "record store base URL not configured", nil)
	}

	query := url.Values{}
	if req.PlotID != "" {
		query.Set("plot_id", req.PlotID)
	}
	if !req.Start.IsZero() {
		query.Set("start", req.Start.Format(time.RFC3339))
	}
	if !req.End.IsZero() {
		query.Set("end", req.End.Format(time.RFC3339))
	}
	if req.PageSize > 0 {
		query.Set("page_size", strconv.Itoa(req.PageSize))
	}
	if req.PageToken != "" {
		query.Set("page_token", req.PageToken)
	}

	target := s.baseURL + s.recordsPath
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return models.ListDiagnosesResponse{}, utils.NewAppError("repo.List", "build request", err)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return models.ListDiagnosesResponse{}, utils.NewAppError("repo.List", "record store unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.ListDiagnosesResponse{}, utils.NewAppError("repo.List", fmt.Sprintf("record store returned status %d", resp.StatusCode), nil)
	}

	var payload struct {
		Records       []recordDTO `json:"records"`
		NextPageToken string      `json:"next_page_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.ListDiagnosesResponse{}, utils.NewAppError("repo.List", "decode records", err)
	}

	out := models.ListDiagnosesResponse{NextPageToken: payload.NextPageToken}
	for _, dto := range payload.Records {
		out.Records = append(out.Records, fromDTO(dto))
	}
	return out, nil
}

func toDTO(record models.DiagnosisRecord) recordDTO {
	dto := recordDTO{
		ID:           record.ID,
		Source:       string(record.Result.Source),
		Verdict:      string(record.Result.Verdict),
		ClassID:      record.Result.ClassID,
		Confidence:   record.Result.Confidence,
		ModelVersion: record.Result.ModelVersion,
		CreatedAt:    record.Result.CreatedAt,
		PlotID:       record.PlotID,
		Vegetable:    record.Vegetable,
		UploaderID:   record.UploaderID,
		Locale:       record.Locale,
		ImageHash:    record.ImageHash,
		StoredAt:     record.StoredAt,
	}
	if record.Result.TaxonomyKind != nil {
		kind := string(*record.Result.TaxonomyKind)
		dto.TaxonomyKind = &kind
	}
	for _, c := range record.Result.TopCandidates {
		dto.Candidates = append(dto.Candidates, candidateDTO{ClassID: c.ClassID, Confidence: c.Confidence})
	}
	return dto
}

func fromDTO(dto recordDTO) models.DiagnosisRecord {
	result := models.DiagnosisResult{
		Source:       models.Source(dto.Source),
		Verdict:      models.Verdict(dto.Verdict),
		ClassID:      dto.ClassID,
		Confidence:   dto.Confidence,
		ModelVersion: dto.ModelVersion,
		CreatedAt:    dto.CreatedAt,
	}
	if dto.TaxonomyKind != nil {
		kind := models.Kind(*dto.TaxonomyKind)
		result.TaxonomyKind = &kind
	}
	for _, c := range dto.Candidates {
		result.TopCandidates = append(result.TopCandidates, models.Candidate{ClassID: c.ClassID, Confidence: c.Confidence})
	}
	return models.DiagnosisRecord{
		ID:         dto.ID,
		Result:     result,
		PlotID:     dto.PlotID,
		Vegetable:  dto.Vegetable,
		UploaderID: dto.UploaderID,
		Locale:     dto.Locale,
		ImageHash:  dto.ImageHash,
		StoredAt:   dto.StoredAt,
	}
}
