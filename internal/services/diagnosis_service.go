package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/verdantstack/verdant-diagnose/internal/cache"
	"github.com/verdantstack/verdant-diagnose/internal/engine"
	"github.com/verdantstack/verdant-diagnose/internal/metrics"
	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/notify"
	"github.com/verdantstack/verdant-diagnose/internal/utils"
	"github.com/verdantstack/verdant-diagnose/internal/vision"
)

// RecordSink defines storage operations for finalized diagnoses.
type RecordSink interface {
	Store(ctx context.Context, record models.DiagnosisRecord) (models.DiagnosisRecord, error)
	List(ctx context.Context, req models.ListDiagnosesRequest) (models.ListDiagnosesResponse, error)
}

// Diagnosis is the full pipeline output for one upload.
type Diagnosis struct {
	Record models.DiagnosisRecord
	Advice []string
	Cached bool
}

// DiagnosisService orchestrates the full upload-to-record flow: normalize,
// classify, fuse, advise, persist, notify.
type DiagnosisService struct {
	logger     *slog.Logger
	normalizer *vision.Normalizer
	arbiter    *engine.Arbiter
	advice     *engine.AdviceEngine
	sink       RecordSink
	notifier   notify.Notifier
	cache      cache.Provider
	cacheTTL   time.Duration
	latencies  *utils.LatencyTracker
}

// NewDiagnosisService constructs the service facade. Cache and notifier may
// be noop implementations; the sink is required.
func NewDiagnosisService(
	logger *slog.Logger,
	normalizer *vision.Normalizer,
	arbiter *engine.Arbiter,
	advice *engine.AdviceEngine,
	sink RecordSink,
	notifier notify.Notifier,
	resultCache cache.Provider,
	cacheTTL time.Duration,
) *DiagnosisService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if resultCache == nil {
		resultCache = cache.NoopProvider{}
	}
	return &DiagnosisService{
		logger:     logger,
		normalizer: normalizer,
		arbiter:    arbiter,
		advice:     advice,
		sink:       sink,
		notifier:   notifier,
		cache:      resultCache,
		cacheTTL:   cacheTTL,
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// Diagnose runs the pipeline for one uploaded image. Identical image bytes
// within the cache TTL return the previously fused result without touching
// the classifiers.
func (s *DiagnosisService) Diagnose(ctx context.Context, req models.DiagnosisRequest) (Diagnosis, error) {
	imageHash := hashImage(req.ImageBytes)

	if cached, ok := s.lookupCached(ctx, imageHash); ok {
		metrics.ObserveCacheHit()
		s.logger.Debug("diagnosis served from cache", slog.String("image_hash", imageHash))
		record, err := s.persist(ctx, cached, req, imageHash)
		if err != nil {
			return Diagnosis{}, err
		}
		return Diagnosis{Record: record, Advice: s.advice.Recommend(cached), Cached: true}, nil
	}

	start := time.Now()
	normalized, err := s.normalizer.Normalize(req.ImageBytes, req.DeclaredMIME)
	if err != nil {
		metrics.ObserveDiagnosis(time.Since(start), metrics.OutcomeError, "")
		return Diagnosis{}, err
	}

	result, err := s.arbiter.Diagnose(ctx, req, normalized)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveDiagnosis(duration, metrics.OutcomeError, "")
		s.logger.Error("diagnosis failed", slog.Any("error", err), slog.String("plot_id", req.PlotID))
		return Diagnosis{}, err
	}
	s.latencies.Observe(duration)
	metrics.ObserveDiagnosis(duration, metrics.OutcomeSuccess, string(result.Source))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		p95 := s.latencies.Percentile(95)
		s.logger.Info("diagnosis latency", slog.Duration("p95", p95), slog.Int("samples", count))
	}

	s.storeCached(ctx, imageHash, result)

	record, err := s.persist(ctx, result, req, imageHash)
	if err != nil {
		return Diagnosis{}, err
	}

	advice := s.advice.Recommend(result)
	if !result.Healthy() {
		if err := s.notifier.NotifyDiagnosis(ctx, record, advice); err != nil {
			s.logger.Warn("diagnosis notification failed", slog.Any("error", err))
		}
	}

	return Diagnosis{Record: record, Advice: advice}, nil
}

// List returns stored diagnoses matching the filters.
func (s *DiagnosisService) List(ctx context.Context, req models.ListDiagnosesRequest) (models.ListDiagnosesResponse, error) {
	if s.sink == nil {
		return models.ListDiagnosesResponse{}, utils.NewAppError("services.List", "record sink not configured", nil)
	}
	return s.sink.List(ctx, req)
}

// LatencyP95 returns the current p95 diagnosis latency.
func (s *DiagnosisService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *DiagnosisService) persist(ctx context.Context, result models.DiagnosisResult, req models.DiagnosisRequest, imageHash string) (models.DiagnosisRecord, error) {
	record := models.DiagnosisRecord{
		Result:     result,
		PlotID:     req.PlotID,
		Vegetable:  req.Vegetable,
		UploaderID: req.UploaderID,
		Locale:     req.Locale,
		ImageHash:  imageHash,
		StoredAt:   time.Now().UTC(),
	}
	if s.sink == nil {
		return record, nil
	}
	stored, err := s.sink.Store(ctx, record)
	if err != nil {
		return models.DiagnosisRecord{}, utils.NewAppError("services.Diagnose", "persist record", err)
	}
	return stored, nil
}

func (s *DiagnosisService) lookupCached(ctx context.Context, imageHash string) (models.DiagnosisResult, bool) {
	raw, err := s.cache.Get(ctx, cacheKey(imageHash))
	if err != nil {
		return models.DiagnosisResult{}, false
	}
	var result models.DiagnosisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.logger.Warn("cached diagnosis unreadable", slog.Any("error", err))
		return models.DiagnosisResult{}, false
	}
	return result, true
}

func (s *DiagnosisService) storeCached(ctx context.Context, imageHash string, result models.DiagnosisResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if _, err := s.cache.SetNX(ctx, cacheKey(imageHash), raw, s.cacheTTL); err != nil {
		s.logger.Warn("cache write failed", slog.Any("error", err))
	}
}

func cacheKey(imageHash string) string {
	return "diagnosis:result:" + imageHash
}

func hashImage(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
