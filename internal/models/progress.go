package models

// ProgressUpdate is broadcast to websocket clients while a background job runs.
type ProgressUpdate struct {
	JobID    string  `json:"job_id"`
	Message  string  `json:"message"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status"` // "running", "success" or "failed"
	Done     bool    `json:"done"`
}
