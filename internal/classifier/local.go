package classifier

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
	"github.com/verdantstack/verdant-diagnose/internal/vision"
)

// InferenceBackend runs one normalized tensor through the model and returns
// raw logits, one per taxonomy class.
type InferenceBackend interface {
	Run(pixels []float32) ([]float32, error)
	Close() error
}

// Local adapts the offline classifier behind a bounded admission gate. The
// call is compute-only and never touches the network.
type Local struct {
	backend InferenceBackend
	sem     chan struct{}
	version string
}

// NewLocal wraps an inference backend with a fixed-size worker pool. A nil
// backend yields an adapter that reports ErrModelUnavailable on every call,
// which keeps remote_only deployments bootable without model assets.
func NewLocal(backend InferenceBackend, version string, workers int) *Local {
	if workers <= 0 {
		workers = 1
	}
	return &Local{
		backend: backend,
		sem:     make(chan struct{}, workers),
		version: version,
	}
}

// Version reports the model artifact version carried on every verdict.
func (l *Local) Version() string { return l.version }

// Classify scores a normalized image and returns the ranked local verdict.
// Admission beyond the pool capacity is rejected with ErrOverloaded rather
// than queued without bound; a backend that cannot run at all surfaces
// ErrModelUnavailable so callers can distinguish "scored low" from
// "never ran".
func (l *Local) Classify(ctx context.Context, img *vision.NormalizedImage) (*models.LocalVerdict, error) {
	if l.backend == nil {
		return nil, fmt.Errorf("%w: no model loaded", models.ErrModelUnavailable)
	}

	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, models.ErrOverloaded
	}

	logits, err := l.backend.Run(img.Pixels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	if len(logits) != taxonomy.ClassCount {
		return nil, fmt.Errorf("%w: model emitted %d scores, want %d", models.ErrModelUnavailable, len(logits), taxonomy.ClassCount)
	}

	probs := softmax(logits)

	ranked := make([]models.ClassProbability, len(probs))
	for id, p := range probs {
		ranked[id] = models.ClassProbability{ClassID: id, Probability: p}
	}
	// Descending probability, ascending class id on exact ties. Quantized
	// models do produce ties, so the order must be pinned down.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Probability != ranked[j].Probability {
			return ranked[i].Probability > ranked[j].Probability
		}
		return ranked[i].ClassID < ranked[j].ClassID
	})

	verdict := &models.LocalVerdict{
		MaxConfidence: ranked[0].Probability,
		ModelVersion:  l.version,
	}
	copy(verdict.Top3[:], ranked[:3])
	return verdict, nil
}

func softmax(logits []float32) []float64 {
	maxLogit := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxLogit {
			maxLogit = float64(v)
		}
	}

	probs := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
