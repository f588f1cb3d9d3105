package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/verdantstack/verdant-diagnose/internal/cache"
	"github.com/verdantstack/verdant-diagnose/internal/engine"
	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/repo"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
	"github.com/verdantstack/verdant-diagnose/internal/vision"
)

func serviceTaxonomy(t *testing.T) *taxonomy.Taxonomy {
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

type countingLocal struct {
	mu      sync.Mutex
	calls   int
	verdict *models.LocalVerdict
}

func (c *countingLocal) Classify(context.Context, *vision.NormalizedImage) (*models.LocalVerdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.verdict, nil
}

func (c *countingLocal) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingNotifier) NotifyDiagnosis(context.Context, models.DiagnosisRecord, []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: 200, B: uint8(y * 8), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func localVerdictFor(classID int, confidence float64) *models.LocalVerdict {
	v := &models.LocalVerdict{MaxConfidence: confidence, ModelVersion: "round3"}
	v.Top3[0] = models.ClassProbability{ClassID: classID, Probability: confidence}
	v.Top3[1] = models.ClassProbability{ClassID: (classID + 1) % taxonomy.ClassCount, Probability: (1 - confidence) / 2}
	v.Top3[2] = models.ClassProbability{ClassID: (classID + 2) % taxonomy.ClassCount, Probability: (1 - confidence) / 2}
	return v
}

func newService(t *testing.T, local engine.LocalClassifier, notifier *recordingNotifier) (*DiagnosisService, *repo.MemoryRecordStore) {
	t.Helper()
	arbiter := engine.NewArbiter(nil, local, nil, serviceTaxonomy(t), engine.Policy{
		Mode:             engine.ModeLocalOnly,
		HealthyThreshold: 0.5,
	})
	sink := repo.NewMemoryRecordStore()
	svc := NewDiagnosisService(
		nil,
		vision.NewNormalizer(160, 10<<20),
		arbiter,
		nil,
		sink,
		notifier,
		cache.NewMemoryProvider(),
		time.Minute,
	)
	return svc, sink
}

func TestDiagnosePersistsAndNotifies(t *testing.T) {
	local := &countingLocal{verdict: localVerdictFor(4, 0.8)}
	notifier := &recordingNotifier{}
	svc, sink := newService(t, local, notifier)

	diagnosis, err := svc.Diagnose(context.Background(), models.DiagnosisRequest{
		ImageBytes:   testImage(t),
		DeclaredMIME: "image/png",
		PlotID:       "plot-9",
	})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if diagnosis.Record.ID == "" {
		t.Fatalf("record not persisted")
	}
	if diagnosis.Record.ImageHash == "" {
		t.Fatalf("image hash missing")
	}
	if diagnosis.Cached {
		t.Fatalf("first diagnosis marked cached")
	}
	if notifier.count() != 1 {
		t.Fatalf("notifier calls = %d, want 1 for a detection", notifier.count())
	}

	listed, err := sink.List(context.Background(), models.ListDiagnosesRequest{PlotID: "plot-9"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed.Records) != 1 {
		t.Fatalf("stored records = %d", len(listed.Records))
	}
}

func TestDiagnoseRepeatImageHitsCache(t *testing.T) {
	local := &countingLocal{verdict: localVerdictFor(4, 0.8)}
	svc, _ := newService(t, local, &recordingNotifier{})
	raw := testImage(t)

	first, err := svc.Diagnose(context.Background(), models.DiagnosisRequest{ImageBytes: raw, DeclaredMIME: "image/png"})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	second, err := svc.Diagnose(context.Background(), models.DiagnosisRequest{ImageBytes: raw, DeclaredMIME: "image/png"})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if !second.Cached {
		t.Fatalf("repeat upload not served from cache")
	}
	if local.count() != 1 {
		t.Fatalf("classifier ran %d times, want 1", local.count())
	}
	if *second.Record.Result.ClassID != *first.Record.Result.ClassID {
		t.Fatalf("cached result diverged")
	}
	// Each upload event still gets its own record.
	if second.Record.ID == first.Record.ID {
		t.Fatalf("cached diagnosis reused the record id")
	}
}

func TestDiagnoseHealthySkipsNotification(t *testing.T) {
	local := &countingLocal{verdict: localVerdictFor(4, 0.3)}
	notifier := &recordingNotifier{}
	svc, _ := newService(t, local, notifier)

	diagnosis, err := svc.Diagnose(context.Background(), models.DiagnosisRequest{ImageBytes: testImage(t), DeclaredMIME: "image/png"})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !diagnosis.Record.Result.Healthy() {
		t.Fatalf("verdict = %q, want healthy", diagnosis.Record.Result.Verdict)
	}
	if notifier.count() != 0 {
		t.Fatalf("healthy diagnosis triggered a notification")
	}
}

func TestDiagnoseInvalidImage(t *testing.T) {
	svc, sink := newService(t, &countingLocal{verdict: localVerdictFor(4, 0.8)}, &recordingNotifier{})

	_, err := svc.Diagnose(context.Background(), models.DiagnosisRequest{ImageBytes: []byte("junk"), DeclaredMIME: "image/png"})
	if !errors.Is(err, models.ErrInvalidImage) {
		t.Fatalf("err = %v, want ErrInvalidImage", err)
	}

	listed, err := sink.List(context.Background(), models.ListDiagnosesRequest{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed.Records) != 0 {
		t.Fatalf("invalid upload produced a record")
	}
}
