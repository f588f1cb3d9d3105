package history

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
)

// Lister is the slice of the record store the aggregator reads from.
type Lister interface {
	List(ctx context.Context, req models.ListDiagnosesRequest) (models.ListDiagnosesResponse, error)
}

// ClassStat summarises how often one taxonomy class has been diagnosed.
type ClassStat struct {
	ClassID       int       `json:"class_id"`
	NameEN        string    `json:"name_en"`
	NameTH        string    `json:"name_th"`
	Kind          string    `json:"kind"`
	Count         int       `json:"count"`
	Prevalence    float64   `json:"prevalence"`
	AvgConfidence float64   `json:"avg_confidence"`
	LastSeen      time.Time `json:"last_seen"`
}

// Stats is the dashboard summary over a record window.
type Stats struct {
	Total   int         `json:"total"`
	Healthy int         `json:"healthy"`
	Classes []ClassStat `json:"classes"`
}

// Aggregator mines stored diagnoses into per-class prevalence stats.
type Aggregator struct {
	store  Lister
	tax    *taxonomy.Taxonomy
	logger *slog.Logger
}

// NewAggregator constructs an Aggregator over a record store.
func NewAggregator(logger *slog.Logger, store Lister, tax *taxonomy.Taxonomy) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, tax: tax, logger: logger}
}

// Aggregate walks the record history for the window and produces stats,
// sorted by descending prevalence.
func (a *Aggregator) Aggregate(ctx context.Context, req models.ListDiagnosesRequest) (Stats, error) {
	type classAggregate struct {
		count         int
		confidenceSum float64
		lastSeen      time.Time
	}
	byClass := make(map[int]*classAggregate)

	stats := Stats{}
	req.PageToken = ""
	for {
		page, err := a.store.List(ctx, req)
		if err != nil {
			return Stats{}, err
		}
		for _, record := range page.Records {
			stats.Total++
			if record.Result.Healthy() || record.Result.ClassID == nil {
				stats.Healthy++
				continue
			}
			id := *record.Result.ClassID
			agg, ok := byClass[id]
			if !ok {
				agg = &classAggregate{}
				byClass[id] = agg
			}
			agg.count++
			agg.confidenceSum += record.Result.Confidence
			if record.Result.CreatedAt.After(agg.lastSeen) {
				agg.lastSeen = record.Result.CreatedAt
			}
		}
		if page.NextPageToken == "" {
			break
		}
		req.PageToken = page.NextPageToken
	}

	if stats.Total == 0 {
		return stats, nil
	}

	stats.Classes = make([]ClassStat, 0, len(byClass))
	for id, agg := range byClass {
		stats.Classes = append(stats.Classes, ClassStat{
			ClassID:       id,
			NameEN:        a.tax.EnglishName(id),
			NameTH:        a.tax.ThaiName(id),
			Kind:          string(a.tax.KindOf(id)),
			Count:         agg.count,
			Prevalence:    float64(agg.count) / float64(stats.Total),
			AvgConfidence: agg.confidenceSum / float64(agg.count),
			LastSeen:      agg.lastSeen,
		})
	}

	sort.Slice(stats.Classes, func(i, j int) bool {
		if stats.Classes[i].Count != stats.Classes[j].Count {
			return stats.Classes[i].Count > stats.Classes[j].Count
		}
		return stats.Classes[i].ClassID < stats.Classes[j].ClassID
	})
	return stats, nil
}
