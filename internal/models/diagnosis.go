package models

import "time"

// Source identifies which backend produced the final diagnosis.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceFused  Source = "fused"
)

// Verdict is the top-level outcome of a diagnosis.
type Verdict string

const (
	VerdictHealthy Verdict = "Healthy"
	VerdictDisease Verdict = "Disease"
	VerdictPest    Verdict = "Pest"
)

// Severity captures the remote backend's impact estimate.
type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityMedium  Severity = "medium"
	SeverityHigh    Severity = "high"
	SeverityUnknown Severity = "unknown"
)

// ClassProbability pairs a taxonomy class id with its softmax probability.
type ClassProbability struct {
	ClassID     int
	Probability float64
}

// LocalVerdict is the local classifier's output: the top three entries of the
// full ranked distribution, sorted descending by probability with ascending
// class id breaking ties.
type LocalVerdict struct {
	Top3          [3]ClassProbability
	MaxConfidence float64
	ModelVersion  string
}

// RemoteVerdict is the structured form of the external multimodal service's
// reply. ClassID is nil when the service detected nothing it could name.
type RemoteVerdict struct {
	IsPlant    bool
	IsDetected bool
	ClassID    *int
	Confidence float64
	Severity   Severity
}

// Candidate is one ranked entry carried on a finalized result for
// transparency.
type Candidate struct {
	ClassID    int
	Confidence float64
}

// DiagnosisResult is the canonical arbitration outcome. It is created once by
// the arbiter and never mutated; corrections are new linked records.
type DiagnosisResult struct {
	Source        Source
	Verdict       Verdict
	ClassID       *int
	Confidence    float64
	TopCandidates []Candidate
	TaxonomyKind  *Kind
	ModelVersion  string
	CreatedAt     time.Time
}

// Healthy reports whether the result carries no specific class.
func (r DiagnosisResult) Healthy() bool {
	return r.Verdict == VerdictHealthy
}

// DiagnosisRecord is a persisted result together with the request metadata
// the sink stores alongside it.
type DiagnosisRecord struct {
	ID         string
	Result     DiagnosisResult
	PlotID     string
	Vegetable  string
	UploaderID string
	Locale     string
	ImageHash  string
	StoredAt   time.Time
}
