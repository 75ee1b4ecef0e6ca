package workflow

import "time"

// Phase is the coarse-grained state of a workflow instance.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSelected   Phase = "selected"
	PhaseUploading  Phase = "uploading"
	PhaseUploaded   Phase = "uploaded"
	PhaseProcessing Phase = "processing"
	PhaseProcessed  Phase = "processed"
	PhaseError      Phase = "error"
)

// Image is a locally selected file. MIMEType is the type declared (or
// detected) at the selection boundary.
type Image struct {
	Name     string
	MIMEType string
	Data     []byte
}

// RemoteStatus is the service's view of an uploaded image.
type RemoteStatus struct {
	ID               string
	Filename         string
	OriginalFilename string
	Processed        bool
	UploadDate       string
}

// State is a read-only snapshot of a workflow instance.
type State struct {
	SessionID          string `json:"session_id,omitempty"`
	FileName           string `json:"file_name,omitempty"`
	MIMEType           string `json:"mime_type,omitempty"`
	FileSize           int    `json:"file_size,omitempty"`
	PreviewData        string `json:"preview_data,omitempty"`
	ImageID            string `json:"image_id,omitempty"`
	ProcessedReference string `json:"processed_reference,omitempty"`
	ResultURL          string `json:"result_url,omitempty"`
	Phase              Phase  `json:"phase"`
	// Resume is the data-bearing phase underneath an Error overlay.
	Resume        Phase  `json:"resume_phase"`
	StatusMessage string `json:"status_message,omitempty"`
	IsBusy        bool   `json:"is_busy"`
	ErrorKind     Kind   `json:"error_kind,omitempty"`
}

// HasImage reports whether a file is selected.
func (s State) HasImage() bool {
	return s.FileSize > 0
}

// Event describes the outcome of one action, for history recording.
type Event struct {
	SessionID          string
	RequestID          string
	Action             string
	ImageID            string
	ProcessedReference string
	Success            bool
	Error              string
	Duration           time.Duration
	At                 time.Time
}

type operation int

const (
	opNone operation = iota
	opUpload
	opProcess
	opStatus
)

// derivePhase computes the phase from field presence, the in-flight
// operation, and whether the last action failed.
func derivePhase(hasImage bool, imageID, processedRef string, inflight operation, failed bool) (phase, resume Phase) {
	switch {
	case processedRef != "":
		resume = PhaseProcessed
	case imageID != "":
		resume = PhaseUploaded
	case hasImage:
		resume = PhaseSelected
	default:
		resume = PhaseIdle
	}

	switch {
	case inflight == opUpload:
		return PhaseUploading, resume
	case inflight == opProcess:
		return PhaseProcessing, resume
	case failed:
		return PhaseError, resume
	}
	return resume, resume
}
