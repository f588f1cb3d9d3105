package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/repo"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
)

func statsTaxonomy(t *testing.T) *taxonomy.Taxonomy {
	t.Helper()
	classes := make([]taxonomy.Class, 0, taxonomy.ClassCount)
	for i := 0; i < taxonomy.ClassCount; i++ {
		kind := models.KindDisease
		if i%2 == 1 {
			kind = models.KindPest
		}
		classes = append(classes, taxonomy.Class{
			ID:     i,
			NameEN: fmt.Sprintf("Class %d", i),
			NameTH: fmt.Sprintf("คลาส %d", i),
			Kind:   kind,
		})
	}
	tax, err := taxonomy.New("test", classes)
	if err != nil {
		t.Fatalf("build taxonomy: %v", err)
	}
	return tax
}

func storeRecord(t *testing.T, store *repo.MemoryRecordStore, classID int, confidence float64, createdAt time.Time) {
	t.Helper()
	result := models.DiagnosisResult{
		Source:     models.SourceFused,
		Confidence: confidence,
		CreatedAt:  createdAt,
	}
	if confidence >= 0.5 {
		kind := models.KindDisease
		result.ClassID = &classID
		result.TaxonomyKind = &kind
		result.Verdict = models.VerdictDisease
	} else {
		result.Verdict = models.VerdictHealthy
	}
	if _, err := store.Store(context.Background(), models.DiagnosisRecord{Result: result, PlotID: "plot-1"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
}

func TestAggregateComputesPrevalence(t *testing.T) {
	store := repo.NewMemoryRecordStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	storeRecord(t, store, 5, 0.9, base)
	storeRecord(t, store, 5, 0.7, base.Add(time.Hour))
	storeRecord(t, store, 11, 0.6, base.Add(2*time.Hour))
	storeRecord(t, store, 0, 0.2, base.Add(3*time.Hour)) // healthy

	agg := NewAggregator(nil, store, statsTaxonomy(t))
	stats, err := agg.Aggregate(context.Background(), models.ListDiagnosesRequest{PageSize: 2})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	if stats.Total != 4 || stats.Healthy != 1 {
		t.Fatalf("total = %d healthy = %d, want 4 and 1", stats.Total, stats.Healthy)
	}
	if len(stats.Classes) != 2 {
		t.Fatalf("classes = %+v, want 2 entries", stats.Classes)
	}

	top := stats.Classes[0]
	if top.ClassID != 5 || top.Count != 2 {
		t.Fatalf("top class = %+v, want class 5 with count 2", top)
	}
	if top.Prevalence != 0.5 {
		t.Fatalf("prevalence = %f, want 0.5", top.Prevalence)
	}
	if top.AvgConfidence != 0.8 {
		t.Fatalf("avg confidence = %f, want 0.8", top.AvgConfidence)
	}
	if !top.LastSeen.Equal(base.Add(time.Hour)) {
		t.Fatalf("last seen = %v", top.LastSeen)
	}
	if top.NameEN != "Class 5" || top.Kind != "pest" {
		t.Fatalf("names = %+v", top)
	}
}

func TestAggregateEmptyHistory(t *testing.T) {
	agg := NewAggregator(nil, repo.NewMemoryRecordStore(), statsTaxonomy(t))
	stats, err := agg.Aggregate(context.Background(), models.ListDiagnosesRequest{})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if stats.Total != 0 || len(stats.Classes) != 0 {
		t.Fatalf("stats = %+v, want empty", stats)
	}
}
