package models

import "time"

// DiagnosisRequest carries one uploaded leaf image plus caller context
// through the pipeline.
type DiagnosisRequest struct {
	ImageBytes   []byte
	DeclaredMIME string
	PlotID       string
	Vegetable    string
	UploaderID   string
	Locale       string
	ReceivedAt   time.Time
}

// ListDiagnosesRequest filters stored diagnosis records.
type ListDiagnosesRequest struct {
	PlotID    string
	Start     time.Time
	End       time.Time
	PageSize  int
	PageToken string
}

// ListDiagnosesResponse is a page of stored records.
type ListDiagnosesResponse struct {
	Records       []DiagnosisRecord
	NextPageToken string
}
