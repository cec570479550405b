package ports

import (
	"context"
	"io"

	"roomvoice/internal/domain"
	"roomvoice/internal/protocol"
)

// SocketConn is one live full-duplex message connection.
type SocketConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// SocketDialer opens signaling socket connections.
type SocketDialer interface {
	Dial(ctx context.Context, url string) (SocketConn, error)
}

// ControlSender transmits client-originated control messages.
type ControlSender interface {
	Send(msg protocol.Outgoing) error
}

// MicConfig describes how the microphone should be captured.
type MicConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSource is a live microphone capture emitting encoded audio frames.
type AudioSource interface {
	io.ReadCloser
	Stop() error
}

// MicCapture creates microphone capture sessions. Permission or device
// failures surface from Start before any frame is read.
type MicCapture interface {
	Start(ctx context.Context, cfg MicConfig) (AudioSource, error)
}

// PeerConnectionState is the coarse connectivity state of a peer transport.
type PeerConnectionState string

const (
	PeerStateNew          PeerConnectionState = "new"
	PeerStateConnecting   PeerConnectionState = "connecting"
	PeerStateConnected    PeerConnectionState = "connected"
	PeerStateDisconnected PeerConnectionState = "disconnected"
	PeerStateFailed       PeerConnectionState = "failed"
	PeerStateClosed       PeerConnectionState = "closed"
)

// PeerCallbacks delivers asynchronous peer transport notifications.
type PeerCallbacks struct {
	OnDataMessage           func(msg protocol.Incoming)
	OnConnectionStateChange func(state PeerConnectionState)
}

// PeerTransport is one negotiated media/data connection. Sequencing (offer
// before answer, candidates after transport exists) is owned by the caller.
type PeerTransport interface {
	CreateOffer(ctx context.Context) (protocol.SessionDescription, error)
	ApplyAnswer(ctx context.Context, answer protocol.SessionDescription) error
	AddRemoteCandidate(candidate protocol.RtcCandidatePayload) error
	AttachAudio(source AudioSource) error
	Close() error
}

// PeerFactory constructs peer transports wired to a signaling sender.
type PeerFactory interface {
	Create(sender ControlSender, callbacks PeerCallbacks) (PeerTransport, error)
}

// StatusClient fetches asynchronous job status from the REST collaborator.
// done=false with a nil error means the job is still pending.
type StatusClient interface {
	Fetch(ctx context.Context, kind domain.JobKind, id string) (done bool, payload []byte, err error)
}

// IDGenerator mints unique ids for client-created entities.
type IDGenerator interface {
	NewID() string
}

// EventSink receives engine state and data updates for presentation.
type EventSink interface {
	SessionStateChanged(state domain.SessionState)
	SessionError(code domain.ErrorCode, detail string)
	PartialUpdated(text string)
	BubblesAppended(bubbles []domain.Bubble)
	QaUpdated(pairs []domain.QaPair)
	StatsUpdated(stats domain.StreamStats)
	JobUpdated(status domain.JobStatus)
}
