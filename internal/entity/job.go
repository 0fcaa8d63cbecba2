package entity

import "time"

// Upload records one CSV file accepted by the ingest handler.
type Upload struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	UploadedBy string    `json:"uploaded_by,omitempty"`
	FileSize   int64     `json:"file_size"`
	MimeType   string    `json:"mime_type,omitempty"`
	TotalRows  int       `json:"total_rows"`
	RowsOK     int       `json:"rows_ok"`
	RowsFailed int       `json:"rows_failed"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobStatus is the lifecycle state of an enrichment job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusRunning    JobStatus = "running"
	JobStatusDone       JobStatus = "done"
	JobStatusIncomplete JobStatus = "incomplete"
	JobStatusError      JobStatus = "error"
)

// Terminal reports whether the job has stopped running.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusIncomplete || s == JobStatusError
}

// Job tracks the background enrichment of one upload.
type Job struct {
	ID         string     `json:"id"`
	UploadID   string     `json:"upload_id"`
	Status     JobStatus  `json:"status"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Progress returns the processed share of the job as a percentage.
func (j Job) Progress() float64 {
	if j.Total == 0 {
		if j.Status.Terminal() {
			return 100
		}
		return 0
	}
	return float64(j.Processed) / float64(j.Total) * 100
}
