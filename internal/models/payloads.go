package models

// These structs define the JSON payloads exchanged by the Cloud Function
// entry points.

// GCSEvent is the data of a Cloud Storage object CloudEvent.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// StatsResponse is returned by the processing stats endpoint.
type StatsResponse struct {
	Stats     ProcessingStats `json:"stats"`
	LatestRun *PipelineRun    `json:"latestRun,omitempty"`
}
