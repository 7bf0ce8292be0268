package protocol

import "time"

// DownloadProgress is emitted while a model transfer is running. Percentage
// is non-decreasing within one transfer.
type DownloadProgress struct {
	Variant         string  `json:"variant"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      int64   `json:"total_bytes"`
	Percentage      float64 `json:"percentage"`
	Status          string  `json:"status"` // starting, downloading, validating, completed, error
}

// TranscriptReady announces a finished transcription.
type TranscriptReady struct {
	RequestID  string    `json:"request_id"`
	Text       string    `json:"text"`
	Provider   string    `json:"provider"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// FallbackEvent records an automatic switch from the local provider to the
// remote one after a local failure.
type FallbackEvent struct {
	RequestID string    `json:"request_id"`
	Reason    string    `json:"reason"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelStatus announces lifecycle transitions of the loaded model.
type ModelStatus struct {
	Variant   string    `json:"variant,omitempty"`
	State     string    `json:"state"` // loading, loaded, unloading, unloaded, removed
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectDownloadProgress = "murmur.model.download.progress"
	SubjectModelStatus      = "murmur.model.status"
	SubjectTranscriptReady  = "murmur.transcribe.result"
	SubjectFallback         = "murmur.transcribe.fallback"
)
