package repo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/verdantstack/verdant-diagnose/internal/models"
)

// MemoryRecordStore keeps diagnosis records in process memory. It backs
// storage-less deployments and tests; ids are stable for the process
// lifetime.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records []models.DiagnosisRecord
	seq     int
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

// Store assigns an id and appends the record. Content is never a reason to
// reject.
func (s *MemoryRecordStore) Store(_ context.Context, record models.DiagnosisRecord) (models.DiagnosisRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	record.ID = fmt.Sprintf("diag-%d-%d", time.Now().UnixNano(), s.seq)
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}
	s.records = append(s.records, record)
	return record, nil
}

// List filters records by plot and time window, newest first.
func (s *MemoryRecordStore) List(_ context.Context, req models.ListDiagnosesRequest) (models.ListDiagnosesResponse, error) {
	s.mu.RLock()
	matched := make([]models.DiagnosisRecord, 0, len(s.records))
	for _, record := range s.records {
		if req.PlotID != "" && record.PlotID != req.PlotID {
			continue
		}
		if !req.Start.IsZero() && record.Result.CreatedAt.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && record.Result.CreatedAt.After(req.End) {
			continue
		}
		matched = append(matched, record)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Result.CreatedAt.After(matched[j].Result.CreatedAt)
	})

	offset := 0
	if req.PageToken != "" {
		if n, err := strconv.Atoi(req.PageToken); err == nil && n > 0 {
			offset = n
		}
	}
	if offset >= len(matched) {
		return models.ListDiagnosesResponse{}, nil
	}
	matched = matched[offset:]

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > len(matched) {
		pageSize = len(matched)
	}

	resp := models.ListDiagnosesResponse{Records: matched[:pageSize]}
	if pageSize < len(matched) {
		resp.NextPageToken = strconv.Itoa(offset + pageSize)
	}
	return resp, nil
}
