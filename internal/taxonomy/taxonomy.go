package taxonomy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/verdantstack/verdant-diagnose/internal/models"
)

// ClassCount is the number of classes the deployed model scores. The
// taxonomy file must carry exactly this many entries.
const ClassCount = 16

// Class describes one disease or pest the classifier can name.
type Class struct {
	ID     int         `yaml:"id"`
	NameTH string      `yaml:"nameTh"`
	NameEN string      `yaml:"nameEn"`
	Kind   models.Kind `yaml:"kind"`
}

// Taxonomy is the fixed class mapping for one model version. Loaded once at
// startup and shared read-only; lookups need no locking.
type Taxonomy struct {
	Version string  `yaml:"version"`
	Classes []Class `yaml:"classes"`

	byID   map[int]Class
	byName map[string]int
}

// Load reads and validates a taxonomy file.
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}

	var tax Taxonomy
	if err := yaml.Unmarshal(data, &tax); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	if err := tax.index(); err != nil {
		return nil, err
	}
	return &tax, nil
}

// New builds a taxonomy from in-memory classes, mostly for tests.
func New(version string, classes []Class) (*Taxonomy, error) {
	tax := &Taxonomy{Version: version, Classes: classes}
	if err := tax.index(); err != nil {
		return nil, err
	}
	return tax, nil
}

// IDByName resolves an English class name, case-insensitively, to its id.
// The remote service names classes in free text, so lookups tolerate casing
// drift but nothing fuzzier than that.
func (t *Taxonomy) IDByName(nameEN string) (int, bool) {
	id, ok := t.byName[strings.ToLower(strings.TrimSpace(nameEN))]
	return id, ok
}

func (t *Taxonomy) index() error {
	if len(t.Classes) != ClassCount {
		return fmt.Errorf("taxonomy has %d classes, want %d", len(t.Classes), ClassCount)
	}
	t.byID = make(map[int]Class, len(t.Classes))
	t.byName = make(map[string]int, len(t.Classes))
	for _, class := range t.Classes {
		if class.ID < 0 || class.ID >= ClassCount {
			return fmt.Errorf("taxonomy class id %d out of range", class.ID)
		}
		if class.Kind != models.KindDisease && class.Kind != models.KindPest {
			return fmt.Errorf("taxonomy class %d has unknown kind %q", class.ID, class.Kind)
		}
		if _, dup := t.byID[class.ID]; dup {
			return fmt.Errorf("taxonomy class id %d duplicated", class.ID)
		}
		t.byID[class.ID] = class
		t.byName[strings.ToLower(class.NameEN)] = class.ID
	}
	return nil
}

// ByID returns the class for an id, with ok=false for ids outside the
// taxonomy.
func (t *Taxonomy) ByID(id int) (Class, bool) {
	class, ok := t.byID[id]
	return class, ok
}

// KindOf returns the kind for a class id, defaulting to disease for unknown
// ids so a malformed remote class never panics the pipeline.
func (t *Taxonomy) KindOf(id int) models.Kind {
	if class, ok := t.byID[id]; ok {
		return class.Kind
	}
	return models.KindDisease
}

// EnglishName returns the English display name for a class id.
func (t *Taxonomy) EnglishName(id int) string {
	if class, ok := t.byID[id]; ok {
		return class.NameEN
	}
	return fmt.Sprintf("class-%d", id)
}

// ThaiName returns the Thai display name for a class id.
func (t *Taxonomy) ThaiName(id int) string {
	if class, ok := t.byID[id]; ok {
		return class.NameTH
	}
	return fmt.Sprintf("class-%d", id)
}
