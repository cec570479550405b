// Package protocol defines the control-channel wire format: the closed set
// of event names in each direction, the message envelope, and the single
// canonical decoder for every inbound payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"roomvoice/internal/domain"
)

// EventName tags a control-channel message. The sets below are closed and
// versioned with the server; anything outside them is dropped, never fatal.
type EventName string

// Client-originated events.
const (
	EventSessionInit  EventName = "session.init"
	EventRtcOffer     EventName = "rtc.offer"
	EventRtcCandidate EventName = "rtc.candidate"
	EventRtcStart     EventName = "rtc.start"
	EventRtcStop      EventName = "rtc.stop"
	EventSessionClose EventName = "session.close"
)

// Server-originated events.
const (
	EventSessionReady     EventName = "session.ready"
	EventRtcAnswer        EventName = "rtc.answer"
	EventSttPartial       EventName = "stt.partial"
	EventSttFinalSegments EventName = "stt.final_segments"
	EventSttQaPairs       EventName = "stt.qa_pairs"
	EventSttError         EventName = "stt.error"
	EventSttStats         EventName = "stt.stats"
	EventOcrProgress      EventName = "ocr.progress"
	EventOcrDone          EventName = "ocr.done"
	EventLlmProgress      EventName = "llm.progress"
	EventLlmResult        EventName = "llm.result"
	EventLlmError         EventName = "llm.error"
	EventError            EventName = "error"
)

var (
	ErrMissingEvent = errors.New("control message requires an event name")
	ErrUnknownEvent = errors.New("unknown control event")
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Outgoing is a client-to-server control message awaiting encoding.
type Outgoing struct {
	Event EventName
	Data  any
}

// Encode serializes the message envelope. A missing event name is a
// programmer error and the only way Encode fails besides unmarshalable data.
func (o Outgoing) Encode() ([]byte, error) {
	if o.Event == "" {
		return nil, ErrMissingEvent
	}
	data := o.Data
	if data == nil {
		data = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", o.Event, err)
	}
	return json.Marshal(envelope{Event: string(o.Event), Data: raw})
}

// SessionInitPayload opens a transcription session.
type SessionInitPayload struct {
	Locale      string `json:"locale"`
	Diarization bool   `json:"diarization"`
	MinSpeakers int    `json:"minSpeakers"`
	MaxSpeakers int    `json:"maxSpeakers"`
	RoomID      string `json:"roomId"`
}

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// RtcStartPayload announces which track kind will stream.
type RtcStartPayload struct {
	Track string `json:"track"`
}

// SessionClosePayload ends a session with an optional reason.
type SessionClosePayload struct {
	Reason string `json:"reason,omitempty"`
}

// RtcCandidatePayload relays one ICE candidate in either direction.
type RtcCandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SdpMid        *string `json:"sdpMid,omitempty"`
	SdpMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SessionReadyPayload delivers the server-assigned session id.
type SessionReadyPayload struct {
	SessionID string `json:"session_id"`
}

// RtcAnswerPayload is the server's SDP answer. Older servers attach the
// report correlation id under two different keys; both are accepted here so
// no caller has to normalize.
type RtcAnswerPayload struct {
	SDP      string `json:"sdp"`
	Type     string `json:"type"`
	ReportID string `json:"-"`
}

func (p *RtcAnswerPayload) UnmarshalJSON(raw []byte) error {
	var wire struct {
		SDP       string `json:"sdp"`
		Type      string `json:"type"`
		ReportID  string `json:"report_id"`
		ReportID2 string `json:"reportid"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	p.SDP = wire.SDP
	p.Type = wire.Type
	p.ReportID = wire.ReportID
	if p.ReportID == "" {
		p.ReportID = wire.ReportID2
	}
	return nil
}

// SttPartialPayload is the latest interim transcript text.
type SttPartialPayload struct {
	Text string `json:"text"`
}

// SttSegment is one finalized transcript slice. Speaker may be unknown.
type SttSegment struct {
	Speaker *int    `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// SttFinalSegmentsPayload carries an ordered batch of finalized segments.
type SttFinalSegmentsPayload struct {
	Segments []SttSegment `json:"segments"`
}

// SttQaPairsPayload carries extracted question-answer pairs. When Final is
// set the batch replaces all previously delivered pairs.
type SttQaPairsPayload struct {
	Pairs []domain.QaPair `json:"pairs"`
	Final bool            `json:"final"`
}

// ErrorPayload is shared by stt.error and the generic error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OcrProgressPayload reports an OCR job stage change.
type OcrProgressPayload struct {
	OcrID string `json:"ocr_id"`
	Stage string `json:"stage"`
}

// LlmProgressPayload reports an LLM report job stage change.
type LlmProgressPayload struct {
	ReportID string `json:"report_id"`
	Stage    string `json:"stage"`
}

// LlmErrorPayload reports a failed LLM report job.
type LlmErrorPayload struct {
	ReportID string `json:"report_id"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Incoming is the decoded form of one server-to-client message. Exactly one
// payload field is set, matching Event.
type Incoming struct {
	Event EventName
	Raw   json.RawMessage

	SessionReady  *SessionReadyPayload
	SessionClose  *SessionClosePayload
	Answer        *RtcAnswerPayload
	Candidate     *RtcCandidatePayload
	Partial       *SttPartialPayload
	FinalSegments *SttFinalSegmentsPayload
	QaPairs       *SttQaPairsPayload
	Stats         *domain.StreamStats
	Err           *ErrorPayload
	OcrProgress   *OcrProgressPayload
	OcrReport     *domain.OcrReport
	LlmProgress   *LlmProgressPayload
	LlmReport     *domain.LlmReport
	LlmError      *LlmErrorPayload
}

// DecodeIncoming parses and normalizes one inbound frame. It is the only
// place inbound payload shapes are interpreted. Unknown event names return
// ErrUnknownEvent so the channel can drop them silently.
func DecodeIncoming(frame []byte) (Incoming, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Incoming{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Incoming{}, ErrMissingEvent
	}

	msg := Incoming{Event: EventName(env.Event), Raw: env.Data}
	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch msg.Event {
	case EventSessionReady:
		msg.SessionReady = &SessionReadyPayload{}
		return msg, decodePayload(msg.Event, data, msg.SessionReady)
	case EventSessionClose:
		msg.SessionClose = &SessionClosePayload{}
		return msg, decodePayload(msg.Event, data, msg.SessionClose)
	case EventRtcAnswer:
		msg.Answer = &RtcAnswerPayload{}
		return msg, decodePayload(msg.Event, data, msg.Answer)
	case EventRtcCandidate:
		msg.Candidate = &RtcCandidatePayload{}
		return msg, decodePayload(msg.Event, data, msg.Candidate)
	case EventSttPartial:
		msg.Partial = &SttPartialPayload{}
		return msg, decodePayload(msg.Event, data, msg.Partial)
	case EventSttFinalSegments:
		msg.FinalSegments = &SttFinalSegmentsPayload{}
		return msg, decodePayload(msg.Event, data, msg.FinalSegments)
	case EventSttQaPairs:
		msg.QaPairs = &SttQaPairsPayload{}
		return msg, decodePayload(msg.Event, data, msg.QaPairs)
	case EventSttStats:
		msg.Stats = &domain.StreamStats{}
		return msg, decodePayload(msg.Event, data, msg.Stats)
	case EventSttError, EventError:
		msg.Err = &ErrorPayload{}
		return msg, decodePayload(msg.Event, data, msg.Err)
	case EventOcrProgress:
		msg.OcrProgress = &OcrProgressPayload{}
		return msg, decodePayload(msg.Event, data, msg.OcrProgress)
	case EventOcrDone:
		report, err := DecodeOcrReport(data)
		if err != nil {
			return Incoming{}, err
		}
		msg.OcrReport = &report
		return msg, nil
	case EventLlmProgress:
		msg.LlmProgress = &LlmProgressPayload{}
		return msg, decodePayload(msg.Event, data, msg.LlmProgress)
	case EventLlmResult:
		report, err := DecodeLlmReport(data)
		if err != nil {
			return Incoming{}, err
		}
		msg.LlmReport = &report
		return msg, nil
	case EventLlmError:
		msg.LlmError = &LlmErrorPayload{}
		return msg, decodePayload(msg.Event, data, msg.LlmError)
	default:
		return Incoming{}, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
}

func decodePayload(event EventName, data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", event, err)
	}
	return nil
}

// DecodeOcrReport normalizes an OCR report payload. The backend has emitted
// both snake_case and camelCase id/field keys; this is the one place both
// are accepted.
func DecodeOcrReport(raw []byte) (domain.OcrReport, error) {
	var wire struct {
		OcrID      string            `json:"ocrId"`
		OcrIDSnake string            `json:"ocr_id"`
		Status     string            `json:"status"`
		Text       string            `json:"text"`
		Fields     []domain.OcrField `json:"fields"`
		CreatedAt  string            `json:"createdAt"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return domain.OcrReport{}, fmt.Errorf("decode ocr report: %w", err)
	}

	report := domain.OcrReport{
		OcrID:     wire.OcrID,
		Status:    normalizeStage(wire.Status),
		Text:      wire.Text,
		Fields:    wire.Fields,
		CreatedAt: wire.CreatedAt,
	}
	if report.OcrID == "" {
		report.OcrID = wire.OcrIDSnake
	}
	return report, nil
}

// DecodeLlmReport normalizes an LLM report payload, accepting both report id
// spellings.
func DecodeLlmReport(raw []byte) (domain.LlmReport, error) {
	var wire struct {
		ReportID        string   `json:"reportId"`
		ReportIDSnake   string   `json:"report_id"`
		Status          string   `json:"status"`
		Summary         string   `json:"summary"`
		Highlights      []string `json:"highlights"`
		Recommendations []string `json:"recommendations"`
		CreatedAt       string   `json:"createdAt"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return domain.LlmReport{}, fmt.Errorf("decode llm report: %w", err)
	}

	report := domain.LlmReport{
		ReportID:        wire.ReportID,
		Status:          normalizeStage(wire.Status),
		Summary:         wire.Summary,
		Highlights:      wire.Highlights,
		Recommendations: wire.Recommendations,
		CreatedAt:       wire.CreatedAt,
	}
	if report.ReportID == "" {
		report.ReportID = wire.ReportIDSnake
	}
	return report, nil
}

func normalizeStage(status string) domain.JobStage {
	switch domain.JobStage(status) {
	case domain.JobStageQueued, domain.JobStageProcessing, domain.JobStageFailed:
		return domain.JobStage(status)
	default:
		// Reports without an explicit status are delivered complete.
		return domain.JobStageDone
	}
}
