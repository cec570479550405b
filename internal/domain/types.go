package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// SessionState models the live capture lifecycle.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateConnecting SessionState = "connecting"
	SessionStateReady      SessionState = "ready"
	SessionStateRecording  SessionState = "recording"
	SessionStateError      SessionState = "error"
)

// Active reports whether the state carries live resources.
func (s SessionState) Active() bool {
	switch s {
	case SessionStateConnecting, SessionStateReady, SessionStateRecording:
		return true
	default:
		return false
	}
}

// ErrorCode identifies fatal and per-job backend errors.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeRoomRequired  ErrorCode = "room_required"
	ErrorCodeMicPermission ErrorCode = "mic_permission"
	ErrorCodeNegotiation   ErrorCode = "negotiation"
	ErrorCodeTransport     ErrorCode = "transport"
	ErrorCodeServer        ErrorCode = "server"
)

// Bubble is one finalized transcript segment. Immutable after creation;
// ordering is append order, never timestamp order.
type Bubble struct {
	ID      string  `json:"id"`
	Speaker *int    `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// QaPair is a question-answer pair extracted from the conversation.
type QaPair struct {
	QText      string  `json:"q_text"`
	QSpeaker   *int    `json:"q_speaker"`
	QTime      float64 `json:"q_time"`
	AText      string  `json:"a_text"`
	ASpeaker   *int    `json:"a_speaker"`
	ATime      float64 `json:"a_time"`
	Confidence float64 `json:"confidence"`
}

// DedupKey is the composite identity used to drop duplicate pairs.
func (p QaPair) DedupKey() string {
	return strings.Join([]string{
		p.QText,
		p.AText,
		strconv.FormatFloat(p.ATime, 'f', -1, 64),
	}, "\x1f")
}

// StreamStats mirrors the server's per-session streaming counters.
type StreamStats struct {
	Bytes    int64 `json:"bytes"`
	Chunks   int64 `json:"chunks"`
	Partials int64 `json:"partials"`
	Finals   int64 `json:"finals"`
}

// JobKind distinguishes tracked asynchronous report jobs.
type JobKind string

const (
	JobKindOCR JobKind = "ocr"
	JobKindLLM JobKind = "llm"
)

// JobStage is the coarse state of an asynchronous report job.
type JobStage string

const (
	JobStageQueued     JobStage = "queued"
	JobStageProcessing JobStage = "processing"
	JobStageDone       JobStage = "done"
	JobStageFailed     JobStage = "failed"
)

// IsTerminal reports whether the stage can no longer change.
func (s JobStage) IsTerminal() bool {
	return s == JobStageDone || s == JobStageFailed
}

// JobStatus is the converged view of one tracked job, fed by both push
// notifications and polling. Whichever path reaches a terminal stage first
// wins; later arrivals are no-ops.
type JobStatus struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	Stage       JobStage        `json:"stage"`
	StageDetail string          `json:"stageDetail,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// OcrField is one extracted key/value from a document scan.
type OcrField struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
}

// OcrReport is the normalized OCR job result.
type OcrReport struct {
	OcrID     string     `json:"ocrId"`
	Status    JobStage   `json:"status"`
	Text      string     `json:"text"`
	Fields    []OcrField `json:"fields,omitempty"`
	CreatedAt string     `json:"createdAt"`
}

// LlmReport is the normalized LLM report job result.
type LlmReport struct {
	ReportID        string   `json:"reportId"`
	Status          JobStage `json:"status"`
	Summary         string   `json:"summary,omitempty"`
	Highlights      []string `json:"highlights,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	CreatedAt       string   `json:"createdAt"`
}
