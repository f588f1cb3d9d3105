package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
	"github.com/verdantstack/verdant-diagnose/internal/vision"
)

func testTaxonomy(t *testing.T) *taxonomy.Taxonomy {
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

func newTestArbiter(t *testing.T, policy Policy) *Arbiter {
	t.Helper()
	a := NewArbiter(nil, nil, nil, testTaxonomy(t), policy)
	a.now = func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }
	return a
}

func localVerdict(top ...models.ClassProbability) *models.LocalVerdict {
	v := &models.LocalVerdict{ModelVersion: "round3"}
	copy(v.Top3[:], top)
	v.MaxConfidence = v.Top3[0].Probability
	return v
}

func TestDecideAgreementTakesStrongerConfidence(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5})

	local := localVerdict(
		models.ClassProbability{ClassID: 4, Probability: 0.72},
		models.ClassProbability{ClassID: 7, Probability: 0.12},
		models.ClassProbability{ClassID: 1, Probability: 0.08},
	)
	classID := 4
	remote := &models.RemoteVerdict{IsPlant: true, IsDetected: true, ClassID: &classID, Confidence: 0.9}

	result, err := a.Decide(local, remote)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.Source != models.SourceFused {
		t.Fatalf("source = %q, want fused", result.Source)
	}
	if result.ClassID == nil || *result.ClassID != 4 {
		t.Fatalf("class = %v, want 4", result.ClassID)
	}
	if result.Confidence != 0.9 {
		t.Fatalf("confidence = %f, want the stronger 0.9", result.Confidence)
	}
	if result.Verdict != models.VerdictDisease {
		t.Fatalf("verdict = %q, want disease", result.Verdict)
	}
}

func TestDecideDisagreementRemoteWinsPastMargin(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5, AgreementMargin: 0.1})

	local := localVerdict(
		models.ClassProbability{ClassID: 2, Probability: 0.55},
		models.ClassProbability{ClassID: 5, Probability: 0.25},
		models.ClassProbability{ClassID: 9, Probability: 0.1},
	)
	classID := 11
	remote := &models.RemoteVerdict{IsPlant: true, IsDetected: true, ClassID: &classID, Confidence: 0.8}

	result, err := a.Decide(local, remote)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.ClassID == nil || *result.ClassID != 11 {
		t.Fatalf("class = %v, want remote's 11", result.ClassID)
	}
	if result.Confidence != 0.8 {
		t.Fatalf("confidence = %f, want 0.8", result.Confidence)
	}

	foundLoser := false
	for _, c := range result.TopCandidates {
		if c.ClassID == 2 {
			foundLoser = true
		}
	}
	if !foundLoser {
		t.Fatalf("local class 2 missing from candidates %v", result.TopCandidates)
	}
}

func TestDecideDisagreementNearTieGoesLocal(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5, AgreementMargin: 0.1})

	local := localVerdict(
		models.ClassProbability{ClassID: 2, Probability: 0.75},
		models.ClassProbability{ClassID: 5, Probability: 0.15},
		models.ClassProbability{ClassID: 9, Probability: 0.05},
	)
	classID := 11
	// Exactly margin apart: not strictly greater, so local keeps the call.
	remote := &models.RemoteVerdict{IsPlant: true, IsDetected: true, ClassID: &classID, Confidence: 0.85}

	result, err := a.Decide(local, remote)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.ClassID == nil || *result.ClassID != 2 {
		t.Fatalf("class = %v, want local's 2", result.ClassID)
	}
	if result.Confidence != 0.75 {
		t.Fatalf("confidence = %f, want local's 0.75", result.Confidence)
	}

	foundLoser := false
	for _, c := range result.TopCandidates {
		if c.ClassID == 11 {
			foundLoser = true
		}
	}
	if !foundLoser {
		t.Fatalf("remote class 11 missing from candidates %v", result.TopCandidates)
	}
	if len(result.TopCandidates) > 3 {
		t.Fatalf("candidates grew past 3: %v", result.TopCandidates)
	}
}

func TestDecideLocalFallbackWhenRemoteMissing(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5})

	local := localVerdict(
		models.ClassProbability{ClassID: 3, Probability: 0.81},
		models.ClassProbability{ClassID: 6, Probability: 0.1},
		models.ClassProbability{ClassID: 0, Probability: 0.04},
	)

	result, err := a.Decide(local, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.Source != models.SourceLocal {
		t.Fatalf("source = %q, want local", result.Source)
	}
	if result.ClassID == nil || *result.ClassID != 3 {
		t.Fatalf("class = %v, want 3", result.ClassID)
	}
	if result.Verdict != models.VerdictPest {
		t.Fatalf("verdict = %q, want pest for class 3", result.Verdict)
	}
}

func TestDecideRemoteFallbackWhenLocalMissing(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5})

	classID := 8
	remote := &models.RemoteVerdict{IsPlant: true, IsDetected: true, ClassID: &classID, Confidence: 0.66}

	result, err := a.Decide(nil, remote)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.Source != models.SourceRemote {
		t.Fatalf("source = %q, want remote", result.Source)
	}
	if result.ClassID == nil || *result.ClassID != 8 {
		t.Fatalf("class = %v, want 8", result.ClassID)
	}
}

func TestDecideBothMissingIsUnavailable(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble})

	_, err := a.Decide(nil, nil)
	if !errors.Is(err, models.ErrDiagnosisUnavailable) {
		t.Fatalf("err = %v, want ErrDiagnosisUnavailable", err)
	}
}

func TestDecideBelowThresholdIsHealthy(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5})

	local := localVerdict(
		models.ClassProbability{ClassID: 1, Probability: 0.3},
		models.ClassProbability{ClassID: 4, Probability: 0.2},
		models.ClassProbability{ClassID: 6, Probability: 0.1},
	)

	result, err := a.Decide(local, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.Verdict != models.VerdictHealthy {
		t.Fatalf("verdict = %q, want healthy", result.Verdict)
	}
	if result.ClassID != nil {
		t.Fatalf("healthy result must carry no class, got %d", *result.ClassID)
	}
	if result.TaxonomyKind != nil {
		t.Fatalf("healthy result must carry no kind")
	}
	// The weak ranking stays visible for review even when the verdict is healthy.
	if len(result.TopCandidates) != 3 {
		t.Fatalf("candidates = %v, want the local top-3", result.TopCandidates)
	}
}

func TestDecideConfidenceEqualToThresholdIsNotHealthy(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5})

	local := localVerdict(
		models.ClassProbability{ClassID: 1, Probability: 0.5},
		models.ClassProbability{ClassID: 4, Probability: 0.3},
		models.ClassProbability{ClassID: 6, Probability: 0.2},
	)

	result, err := a.Decide(local, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.Verdict == models.VerdictHealthy {
		t.Fatalf("confidence equal to the threshold must not read as healthy")
	}
	if result.ClassID == nil || *result.ClassID != 1 {
		t.Fatalf("class = %v, want 1", result.ClassID)
	}
}

func TestDecideRemoteHealthyClaimNeedsMargin(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5, AgreementMargin: 0.1})

	local := localVerdict(
		models.ClassProbability{ClassID: 7, Probability: 0.6},
		models.ClassProbability{ClassID: 2, Probability: 0.2},
		models.ClassProbability{ClassID: 5, Probability: 0.1},
	)

	// Remote saw a plant but nothing it could name, at low confidence: the
	// local detection stands.
	remote := &models.RemoteVerdict{IsPlant: true, Confidence: 0.55}
	result, err := a.Decide(local, remote)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.ClassID == nil || *result.ClassID != 7 {
		t.Fatalf("class = %v, want local's 7", result.ClassID)
	}

	// A confident healthy claim beats a weak local detection.
	remote = &models.RemoteVerdict{IsPlant: true, Confidence: 0.95}
	result, err = a.Decide(local, remote)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.Verdict != models.VerdictHealthy {
		t.Fatalf("verdict = %q, want healthy", result.Verdict)
	}
	if result.ClassID != nil {
		t.Fatalf("healthy override must drop the class, got %d", *result.ClassID)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	a := newTestArbiter(t, Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5, AgreementMargin: 0.05})

	local := localVerdict(
		models.ClassProbability{ClassID: 10, Probability: 0.64},
		models.ClassProbability{ClassID: 12, Probability: 0.2},
		models.ClassProbability{ClassID: 3, Probability: 0.1},
	)
	classID := 12
	remote := &models.RemoteVerdict{IsPlant: true, IsDetected: true, ClassID: &classID, Confidence: 0.61}

	first, err := a.Decide(local, remote)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := a.Decide(local, remote)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if *again.ClassID != *first.ClassID || again.Confidence != first.Confidence ||
			again.Verdict != first.Verdict || !again.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

type fakeLocal struct {
	verdict *models.LocalVerdict
	err     error
}

func (f *fakeLocal) Classify(context.Context, *vision.NormalizedImage) (*models.LocalVerdict, error) {
	return f.verdict, f.err
}

type fakeRemote struct {
	verdict *models.RemoteVerdict
	err     error
}

func (f *fakeRemote) Classify(context.Context, []byte, string) (*models.RemoteVerdict, error) {
	return f.verdict, f.err
}

func TestDiagnoseEnsembleAbsorbsRemoteFailure(t *testing.T) {
	local := &fakeLocal{verdict: localVerdict(
		models.ClassProbability{ClassID: 0, Probability: 0.7},
		models.ClassProbability{ClassID: 1, Probability: 0.2},
		models.ClassProbability{ClassID: 2, Probability: 0.1},
	)}
	remote := &fakeRemote{err: models.ErrRemoteTimeout}

	a := NewArbiter(nil, local, remote, testTaxonomy(t), Policy{Mode: ModeEnsemble, HealthyThreshold: 0.5})
	result, err := a.Diagnose(context.Background(), models.DiagnosisRequest{}, &vision.NormalizedImage{})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if result.Source != models.SourceLocal {
		t.Fatalf("source = %q, want local fallback", result.Source)
	}
}

func TestDiagnoseLocalOnlySurfacesOverload(t *testing.T) {
	local := &fakeLocal{err: models.ErrOverloaded}
	a := NewArbiter(nil, local, nil, testTaxonomy(t), Policy{Mode: ModeLocalOnly})

	_, err := a.Diagnose(context.Background(), models.DiagnosisRequest{}, &vision.NormalizedImage{})
	if !errors.Is(err, models.ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
}

func TestDiagnoseBothFailIsUnavailable(t *testing.T) {
	local := &fakeLocal{err: models.ErrModelUnavailable}
	remote := &fakeRemote{err: models.ErrRemoteUnavailable}
	a := NewArbiter(nil, local, remote, testTaxonomy(t), Policy{Mode: ModeEnsemble})

	_, err := a.Diagnose(context.Background(), models.DiagnosisRequest{}, &vision.NormalizedImage{})
	if !errors.Is(err, models.ErrDiagnosisUnavailable) {
		t.Fatalf("err = %v, want ErrDiagnosisUnavailable", err)
	}
}
