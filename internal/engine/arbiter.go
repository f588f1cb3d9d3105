package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/verdantstack/verdant-diagnose/internal/metrics"
	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
	"github.com/verdantstack/verdant-diagnose/internal/vision"
)

// Mode selects which classifier backends a deployment invokes.
type Mode string

const (
	ModeLocalOnly  Mode = "local_only"
	ModeRemoteOnly Mode = "remote_only"
	ModeEnsemble   Mode = "ensemble"
)

// LocalClassifier is the offline model behind the bounded inference pool.
type LocalClassifier interface {
	Classify(ctx context.Context, img *vision.NormalizedImage) (*models.LocalVerdict, error)
}

// RemoteClassifier is the network-dependent multimodal service adapter.
type RemoteClassifier interface {
	Classify(ctx context.Context, raw []byte, locale string) (*models.RemoteVerdict, error)
}

// Policy is the arbiter's configuration surface.
type Policy struct {
	Mode             Mode
	HealthyThreshold float64
	AgreementMargin  float64
	RemoteTimeout    time.Duration
}

// Arbiter owns the fusion and fallback policy between the two classifier
// backends. It absorbs backend-specific failures whenever a usable
// alternative verdict exists and surfaces a typed error only when none does.
type Arbiter struct {
	logger   *slog.Logger
	local    LocalClassifier
	remote   RemoteClassifier
	taxonomy *taxonomy.Taxonomy
	policy   Policy
	now      func() time.Time
}

// NewArbiter constructs the decision core. Either classifier may be nil when
// the mode never invokes it.
func NewArbiter(logger *slog.Logger, local LocalClassifier, remote RemoteClassifier, tax *taxonomy.Taxonomy, policy Policy) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.HealthyThreshold == 0 {
		policy.HealthyThreshold = 0.5
	}
	if policy.RemoteTimeout <= 0 {
		policy.RemoteTimeout = 30 * time.Second
	}
	return &Arbiter{
		logger:   logger,
		local:    local,
		remote:   remote,
		taxonomy: tax,
		policy:   policy,
		now:      time.Now,
	}
}

// Diagnose runs one request through dispatch, fusion and finalisation. The
// per-request flow is strictly Started -> dispatched -> awaiting -> fused ->
// finalized or failed; it never re-enters a phase.
func (a *Arbiter) Diagnose(ctx context.Context, req models.DiagnosisRequest, img *vision.NormalizedImage) (models.DiagnosisResult, error) {
	var (
		localVerdict  *models.LocalVerdict
		remoteVerdict *models.RemoteVerdict
		localErr      error
		remoteErr     error
	)

	switch a.policy.Mode {
	case ModeLocalOnly:
		localVerdict, localErr = a.classifyLocal(ctx, img)
	case ModeRemoteOnly:
		remoteVerdict, remoteErr = a.classifyRemote(ctx, req)
	default: // ensemble: both backends race, joined before fusion
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			localVerdict, localErr = a.classifyLocal(ctx, img)
		}()
		go func() {
			defer wg.Done()
			remoteVerdict, remoteErr = a.classifyRemote(ctx, req)
		}()
		wg.Wait()
	}

	if localErr != nil {
		a.logger.Warn("local classifier failed", slog.Any("error", localErr))
	}
	if remoteErr != nil {
		a.logger.Warn("remote classifier failed", slog.Any("error", remoteErr))
		metrics.ObserveRemoteFailure(remoteFailureKind(remoteErr))
	}

	result, err := a.Decide(localVerdict, remoteVerdict)
	if err != nil {
		// Overloaded admission is caller-retryable and must stay
		// distinguishable from a dead backend pair.
		if errors.Is(localErr, models.ErrOverloaded) {
			return models.DiagnosisResult{}, localErr
		}
		return models.DiagnosisResult{}, err
	}
	return result, nil
}

func (a *Arbiter) classifyLocal(ctx context.Context, img *vision.NormalizedImage) (*models.LocalVerdict, error) {
	if a.local == nil || img == nil {
		return nil, models.ErrModelUnavailable
	}
	return a.local.Classify(ctx, img)
}

func (a *Arbiter) classifyRemote(ctx context.Context, req models.DiagnosisRequest) (*models.RemoteVerdict, error) {
	if a.remote == nil {
		return nil, models.ErrRemoteUnavailable
	}
	rctx, cancel := context.WithTimeout(ctx, a.policy.RemoteTimeout)
	defer cancel()
	return a.remote.Classify(rctx, req.ImageBytes, req.Locale)
}

// Decide fuses whatever verdicts are present into one canonical result.
// Deterministic: identical inputs yield an identical result apart from the
// CreatedAt stamp taken from the injected clock.
func (a *Arbiter) Decide(local *models.LocalVerdict, remote *models.RemoteVerdict) (models.DiagnosisResult, error) {
	switch {
	case local == nil && remote == nil:
		return models.DiagnosisResult{}, models.ErrDiagnosisUnavailable
	case remote == nil:
		return a.finalize(fusion{
			source:     models.SourceLocal,
			classID:    intPtr(local.Top3[0].ClassID),
			confidence: local.MaxConfidence,
			candidates: localCandidates(local),
			version:    local.ModelVersion,
		}), nil
	case local == nil:
		return a.finalize(fusion{
			source:     models.SourceRemote,
			classID:    copyIntPtr(remote.ClassID),
			confidence: remote.Confidence,
			candidates: remoteCandidates(remote),
		}), nil
	}
	return a.finalize(a.fuse(local, remote)), nil
}

// fusion is the winner picked before the healthy rule is applied.
type fusion struct {
	source     models.Source
	classID    *int
	confidence float64
	candidates []models.Candidate
	version    string
}

func (a *Arbiter) fuse(local *models.LocalVerdict, remote *models.RemoteVerdict) fusion {
	localClass := local.Top3[0].ClassID
	candidates := localCandidates(local)

	// Remote found nothing it could name: fuse against its healthy claim.
	if remote.ClassID == nil {
		if remote.Confidence-local.MaxConfidence > a.policy.AgreementMargin {
			return fusion{
				source:     models.SourceFused,
				confidence: remote.Confidence,
				candidates: candidates,
				version:    local.ModelVersion,
			}
		}
		return fusion{
			source:     models.SourceFused,
			classID:    intPtr(localClass),
			confidence: local.MaxConfidence,
			candidates: candidates,
			version:    local.ModelVersion,
		}
	}

	remoteClass := *remote.ClassID

	// Agreement on class identity: take the stronger confidence.
	if remoteClass == localClass {
		confidence := local.MaxConfidence
		if remote.Confidence > confidence {
			confidence = remote.Confidence
		}
		return fusion{
			source:     models.SourceFused,
			classID:    intPtr(localClass),
			confidence: confidence,
			candidates: candidates,
			version:    local.ModelVersion,
		}
	}

	// Disagreement: the clearly stronger verdict wins; near-ties go to the
	// local model because it is deterministic and reproducible. The losing
	// candidate stays visible either way.
	if remote.Confidence-local.MaxConfidence > a.policy.AgreementMargin {
		return fusion{
			source:     models.SourceFused,
			classID:    intPtr(remoteClass),
			confidence: remote.Confidence,
			candidates: retainCandidate(candidates, models.Candidate{ClassID: remoteClass, Confidence: remote.Confidence}),
			version:    local.ModelVersion,
		}
	}
	return fusion{
		source:     models.SourceFused,
		classID:    intPtr(localClass),
		confidence: local.MaxConfidence,
		candidates: retainCandidate(candidates, models.Candidate{ClassID: remoteClass, Confidence: remote.Confidence}),
		version:    local.ModelVersion,
	}
}

// finalize applies the healthy rule exactly once, after fusion, so the
// threshold has a single authoritative meaning. A winning confidence equal
// to the threshold is not Healthy; only strictly lower ones are.
func (a *Arbiter) finalize(f fusion) models.DiagnosisResult {
	result := models.DiagnosisResult{
		Source:        f.source,
		Confidence:    f.confidence,
		TopCandidates: f.candidates,
		ModelVersion:  f.version,
		CreatedAt:     a.now().UTC(),
	}

	if f.classID == nil || f.confidence < a.policy.HealthyThreshold {
		result.Verdict = models.VerdictHealthy
		return result
	}

	kind := a.taxonomy.KindOf(*f.classID)
	result.ClassID = f.classID
	result.TaxonomyKind = &kind
	result.Verdict = models.VerdictForKind(kind)
	return result
}

func localCandidates(local *models.LocalVerdict) []models.Candidate {
	candidates := make([]models.Candidate, 0, len(local.Top3))
	for _, cp := range local.Top3 {
		candidates = append(candidates, models.Candidate{ClassID: cp.ClassID, Confidence: cp.Probability})
	}
	return candidates
}

// remoteCandidates is the reduced-fidelity shape: the remote backend ranks
// nothing beyond its single pick, so one entry is all there is.
func remoteCandidates(remote *models.RemoteVerdict) []models.Candidate {
	if remote.ClassID == nil {
		return nil
	}
	return []models.Candidate{{ClassID: *remote.ClassID, Confidence: remote.Confidence}}
}

// retainCandidate makes sure the fusion loser is visible without growing the
// list past three entries: an absent alternative displaces the weakest slot.
func retainCandidate(candidates []models.Candidate, alt models.Candidate) []models.Candidate {
	for _, c := range candidates {
		if c.ClassID == alt.ClassID {
			return candidates
		}
	}
	if len(candidates) < 3 {
		return append(candidates, alt)
	}
	out := make([]models.Candidate, len(candidates))
	copy(out, candidates)
	out[len(out)-1] = alt
	return out
}

func remoteFailureKind(err error) string {
	switch {
	case errors.Is(err, models.ErrRemoteTimeout):
		return "timeout"
	case errors.Is(err, models.ErrRemoteParse):
		return "parse"
	default:
		return "unavailable"
	}
}

func intPtr(v int) *int { return &v }

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
