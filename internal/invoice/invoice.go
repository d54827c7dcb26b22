package invoice

import (
	"time"

	"github.com/zombor/invoice-scanner/internal/fields"
	"github.com/zombor/invoice-scanner/internal/inference"
)

// Image is the uploaded invoice currently selected for scanning
type Image struct {
	Filename         string    `json:"filename"` // name in storage
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	Size             int       `json:"size"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

// Phase is the scanner's run state
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

// State is a snapshot of what the page displays
type State struct {
	Phase  Phase          `json:"phase"`
	Busy   bool           `json:"busy"`
	Image  *Image         `json:"image"`
	Text   string         `json:"text"`
	Fields *fields.Fields `json:"fields"`
}

// StageDurations records how long each pipeline stage took, in milliseconds
type StageDurations struct {
	Recognize int64 `json:"recognize_ms"`
	LoadModel int64 `json:"load_model_ms"`
	Inference int64 `json:"inference_ms"`
	Extract   int64 `json:"extract_ms"`
}

// Scan is the history record of one successful run
type Scan struct {
	ID               string            `json:"id"`
	ImageFilename    string            `json:"image_filename"`
	OriginalFilename string            `json:"original_filename"`
	ContentType      string            `json:"content_type"`
	Text             string            `json:"text"`
	Fields           fields.Fields     `json:"fields"`
	ModelURL         string            `json:"model_url"`
	Inference        inference.Summary `json:"inference"`
	Durations        StageDurations    `json:"durations"`
	CreatedAt        time.Time         `json:"created_at"`
}
