package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/verdantstack/verdant-diagnose/internal/models"
)

// AdviceEngine maps finalized diagnoses onto care recommendations loaded
// from a YAML pack, so agronomy guidance ships as data rather than code.
type AdviceEngine struct {
	rules  []AdviceRule
	logger *slog.Logger
}

// AdviceRule matches a diagnosis by class, kind or severity floor.
type AdviceRule struct {
	ID              string      `yaml:"id"`
	Match           AdviceMatch `yaml:"match"`
	Recommendations []string    `yaml:"recommendations"`
}

// AdviceMatch defines optional matching attributes; empty fields match
// everything.
type AdviceMatch struct {
	ClassIDs      []int   `yaml:"classIds"`
	Kind          string  `yaml:"kind"`
	MinConfidence float64 `yaml:"minConfidence"`
	Healthy       *bool   `yaml:"healthy"`
}

type advicePackFile struct {
	Rules []AdviceRule `yaml:"rules"`
}

// NewAdviceEngine loads a rule pack from path. A missing file yields a nil
// engine, which simply produces no recommendations.
func NewAdviceEngine(path string, logger *slog.Logger) (*AdviceEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var pack advicePackFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdviceEngine{rules: pack.Rules, logger: logger}, nil
}

// Recommend returns deduplicated care advice for one result.
func (e *AdviceEngine) Recommend(result models.DiagnosisResult) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if rule.Match.Healthy != nil && *rule.Match.Healthy != result.Healthy() {
			continue
		}
		if rule.Match.Kind != "" && !kindMatches(rule.Match.Kind, result) {
			continue
		}
		if len(rule.Match.ClassIDs) > 0 && !classMatches(rule.Match.ClassIDs, result) {
			continue
		}
		if rule.Match.MinConfidence > 0 && result.Confidence < rule.Match.MinConfidence {
			continue
		}
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func kindMatches(kind string, result models.DiagnosisResult) bool {
	return result.TaxonomyKind != nil && strings.EqualFold(kind, string(*result.TaxonomyKind))
}

func classMatches(ids []int, result models.DiagnosisResult) bool {
	if result.ClassID == nil {
		return false
	}
	for _, id := range ids {
		if id == *result.ClassID {
			return true
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
