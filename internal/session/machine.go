// Package session drives the realtime capture lifecycle: idle → connecting →
// ready → recording → idle, with error reachable from any active state. The
// machine owns the peer transport and the microphone exclusively; the control
// channel is shared and is never disconnected here.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"roomvoice/internal/domain"
	"roomvoice/internal/metrics"
	"roomvoice/internal/ports"
	"roomvoice/internal/protocol"
	"roomvoice/internal/transcript"
)

// ErrRoomRequired is returned by Start when no room is selected. It surfaces
// before any microphone or network activity.
var ErrRoomRequired = errors.New("a room must be selected before recording")

const closeReasonUser = "user disconnected"

// ControlChannel is the slice of the signaling client the machine needs.
type ControlChannel interface {
	Connect()
	Send(msg protocol.Outgoing) error
	Subscribe(event protocol.EventName, handler func(protocol.Incoming)) func()
}

// Config fixes the per-deployment session parameters.
type Config struct {
	Mic  ports.MicConfig
	Init protocol.SessionInitPayload
}

// Snapshot is the externally observable machine state.
type Snapshot struct {
	State     domain.SessionState
	Error     string
	SessionID string
}

// Machine is the session state machine. At most one session is active at a
// time; Start while active is a no-op.
type Machine struct {
	channel ControlChannel
	peers   ports.PeerFactory
	mic     ports.MicCapture
	rec     *transcript.Reconciler
	sink    ports.EventSink
	met     *metrics.Metrics
	cfg     Config
	log     zerolog.Logger

	mu        sync.Mutex
	active    bool
	state     domain.SessionState
	lastErr   string
	sessionID string
	transport ports.PeerTransport
	source    ports.AudioSource
	unsubs    []func()
}

func New(
	channel ControlChannel,
	peers ports.PeerFactory,
	mic ports.MicCapture,
	rec *transcript.Reconciler,
	sink ports.EventSink,
	met *metrics.Metrics,
	cfg Config,
	log zerolog.Logger,
) *Machine {
	m := &Machine{
		channel: channel,
		peers:   peers,
		mic:     mic,
		rec:     rec,
		sink:    sink,
		met:     met,
		cfg:     cfg,
		log:     log,
		state:   domain.SessionStateIdle,
	}
	m.unsubs = []func(){
		channel.Subscribe(protocol.EventSessionReady, m.onSessionReady),
		channel.Subscribe(protocol.EventSessionClose, m.onSessionClose),
		channel.Subscribe(protocol.EventRtcAnswer, m.onRtcAnswer),
		channel.Subscribe(protocol.EventRtcCandidate, m.onRtcCandidate),
		channel.Subscribe(protocol.EventSttPartial, m.onPartial),
		channel.Subscribe(protocol.EventSttFinalSegments, m.onFinalSegments),
		channel.Subscribe(protocol.EventSttQaPairs, m.onQaPairs),
		channel.Subscribe(protocol.EventSttStats, m.onStats),
		channel.Subscribe(protocol.EventSttError, m.onServerError),
		channel.Subscribe(protocol.EventError, m.onServerError),
	}
	return m
}

// Start opens a session for the given room. The microphone is acquired
// before the control channel connects, so a permission denial aborts with
// zero network side effects.
func (m *Machine) Start(ctx context.Context, roomID string) error {
	if roomID == "" {
		m.sink.SessionError(domain.ErrorCodeRoomRequired, ErrRoomRequired.Error())
		return ErrRoomRequired
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = true
	m.lastErr = ""
	m.mu.Unlock()

	m.rec.Reset()
	m.setState(domain.SessionStateConnecting)

	source, err := m.mic.Start(ctx, m.cfg.Mic)
	if err != nil {
		m.abortStart(domain.ErrorCodeMicPermission, "microphone access was denied; check recording permissions")
		return fmt.Errorf("acquire microphone: %w", err)
	}

	// Stop may have landed while the microphone was being acquired; the
	// session is already torn down, so release the fresh capture and bail.
	if !m.stillActive() {
		_ = source.Stop()
		return nil
	}

	m.channel.Connect()

	transport, err := m.peers.Create(m.channel, ports.PeerCallbacks{
		OnDataMessage:           m.onDataMessage,
		OnConnectionStateChange: m.onPeerState,
	})
	if err != nil {
		_ = source.Stop()
		m.abortStart(domain.ErrorCodeNegotiation, "failed to create the media transport")
		return fmt.Errorf("create peer transport: %w", err)
	}

	if err := transport.AttachAudio(source); err != nil {
		_ = transport.Close()
		_ = source.Stop()
		m.abortStart(domain.ErrorCodeNegotiation, "failed to attach the audio track")
		return fmt.Errorf("attach audio: %w", err)
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		_ = transport.Close()
		_ = source.Stop()
		return nil
	}
	m.transport = transport
	m.source = source
	init := m.cfg.Init
	init.RoomID = roomID
	// Registering the resources and announcing the session happen in one
	// critical section so session.init can never trail a concurrent Stop's
	// rtc.stop on the wire.
	_ = m.channel.Send(protocol.Outgoing{Event: protocol.EventSessionInit, Data: init})
	m.mu.Unlock()

	m.met.SessionStarted()
	return nil
}

// Stop ends the active session, notifying the server, and releases every
// resource. Safe to call repeatedly and from any state; from error it
// returns the machine to idle.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.active {
		fromError := m.state == domain.SessionStateError
		m.lastErr = ""
		m.mu.Unlock()
		if fromError {
			m.setState(domain.SessionStateIdle)
		}
		return
	}
	m.active = false
	sessionID := m.sessionID
	transport, source := m.detachResourcesLocked()
	m.mu.Unlock()

	_ = m.channel.Send(protocol.Outgoing{Event: protocol.EventRtcStop})
	if sessionID != "" {
		_ = m.channel.Send(protocol.Outgoing{
			Event: protocol.EventSessionClose,
			Data:  protocol.SessionClosePayload{Reason: closeReasonUser},
		})
	}

	m.release(transport, source)
	m.setState(domain.SessionStateIdle)
}

// Close tears down the session and removes the machine's control channel
// subscriptions. Used on application shutdown.
func (m *Machine) Close() {
	m.Stop()

	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Snapshot returns the current observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Error: m.lastErr, SessionID: m.sessionID}
}

func (m *Machine) onSessionReady(msg protocol.Incoming) {
	m.mu.Lock()
	if !m.active || m.transport == nil {
		m.mu.Unlock()
		return
	}
	m.sessionID = msg.SessionReady.SessionID
	transport := m.transport
	m.mu.Unlock()

	offer, err := transport.CreateOffer(context.Background())
	if err != nil {
		m.log.Warn().Err(err).Msg("offer negotiation failed")
		m.failStop(domain.ErrorCodeNegotiation, "failed to negotiate the media session", true)
		return
	}

	if !m.stillActive() {
		return
	}

	_ = m.channel.Send(protocol.Outgoing{Event: protocol.EventRtcOffer, Data: offer})
	_ = m.channel.Send(protocol.Outgoing{Event: protocol.EventRtcStart, Data: protocol.RtcStartPayload{Track: "audio"}})
	m.setState(domain.SessionStateReady)
}

func (m *Machine) onRtcAnswer(msg protocol.Incoming) {
	m.mu.Lock()
	if !m.active || m.transport == nil {
		m.mu.Unlock()
		return
	}
	transport := m.transport
	m.mu.Unlock()

	answer := protocol.SessionDescription{SDP: msg.Answer.SDP, Type: msg.Answer.Type}
	if err := transport.ApplyAnswer(context.Background(), answer); err != nil {
		m.log.Warn().Err(err).Msg("failed to apply remote answer")
		m.failStop(domain.ErrorCodeNegotiation, "failed to apply the remote session description", true)
		return
	}

	if m.stillActive() {
		m.setState(domain.SessionStateRecording)
	}
}

// onRtcCandidate applies remote candidates opportunistically. Candidates
// arriving before a transport exists are dropped, not queued; ICE continues
// with whatever candidates remain.
func (m *Machine) onRtcCandidate(msg protocol.Incoming) {
	m.mu.Lock()
	transport := m.transport
	active := m.active
	m.mu.Unlock()

	if !active || transport == nil {
		m.log.Debug().Msg("dropping candidate with no live transport")
		return
	}
	if err := transport.AddRemoteCandidate(*msg.Candidate); err != nil {
		m.log.Warn().Err(err).Msg("failed to apply remote candidate")
	}
}

// onSessionClose handles the server ending the session: same teardown as
// Stop but without echoing rtc.stop or session.close back.
func (m *Machine) onSessionClose(protocol.Incoming) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	transport, source := m.detachResourcesLocked()
	m.mu.Unlock()

	m.release(transport, source)
	m.setState(domain.SessionStateIdle)
}

func (m *Machine) onPartial(msg protocol.Incoming) {
	m.rec.ApplyPartial(msg.Partial.Text)
}

func (m *Machine) onFinalSegments(msg protocol.Incoming) {
	m.rec.ApplyFinalSegments(msg.FinalSegments.Segments)
}

func (m *Machine) onQaPairs(msg protocol.Incoming) {
	m.rec.ApplyQaPairs(msg.QaPairs.Pairs, msg.QaPairs.Final)
}

func (m *Machine) onStats(msg protocol.Incoming) {
	m.rec.ApplyStats(*msg.Stats)
}

// onServerError ends the session on a protocol-level error. The server
// already knows the session is dead, so nothing is echoed back.
func (m *Machine) onServerError(msg protocol.Incoming) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if !active {
		return
	}
	m.failStop(domain.ErrorCodeServer, msg.Err.Message, false)
}

func (m *Machine) onPeerState(state ports.PeerConnectionState) {
	if state != ports.PeerStateFailed {
		return
	}
	m.failStop(domain.ErrorCodeTransport, "the connection became unstable; please try again", false)
}

// onDataMessage consumes side-channel frames multiplexed over the peer
// transport. Only stats travel this path today.
func (m *Machine) onDataMessage(msg protocol.Incoming) {
	if msg.Event == protocol.EventSttStats && msg.Stats != nil {
		m.rec.ApplyStats(*msg.Stats)
	}
}

// failStop is the fatal-condition funnel: release everything once, land in
// the error state, and surface a message. notifyServer controls whether
// rtc.stop/session.close are echoed (negotiation failures notify; server
// reported faults and transport failures do not).
func (m *Machine) failStop(code domain.ErrorCode, message string, notifyServer bool) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.lastErr = message
	sessionID := m.sessionID
	transport, source := m.detachResourcesLocked()
	m.mu.Unlock()

	if notifyServer {
		_ = m.channel.Send(protocol.Outgoing{Event: protocol.EventRtcStop})
		if sessionID != "" {
			_ = m.channel.Send(protocol.Outgoing{
				Event: protocol.EventSessionClose,
				Data:  protocol.SessionClosePayload{Reason: message},
			})
		}
	}

	m.release(transport, source)
	m.setState(domain.SessionStateError)
	m.sink.SessionError(code, message)
}

// abortStart unwinds a session that failed before its resources were
// registered. If a concurrent Stop already ended the session there is
// nothing to report.
func (m *Machine) abortStart(code domain.ErrorCode, message string) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.lastErr = message
	m.sessionID = ""
	m.mu.Unlock()

	m.setState(domain.SessionStateError)
	m.sink.SessionError(code, message)
}

func (m *Machine) stillActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Machine) detachResourcesLocked() (ports.PeerTransport, ports.AudioSource) {
	transport := m.transport
	source := m.source
	m.transport = nil
	m.source = nil
	m.sessionID = ""
	return transport, source
}

func (m *Machine) release(transport ports.PeerTransport, source ports.AudioSource) {
	if transport != nil {
		if err := transport.Close(); err != nil {
			m.log.Debug().Err(err).Msg("peer transport close failed")
		}
	}
	if source != nil {
		if err := source.Stop(); err != nil {
			m.log.Debug().Err(err).Msg("microphone stop failed")
		}
	}
	m.rec.ClearLive()
}

func (m *Machine) setState(state domain.SessionState) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	m.log.Info().Str("state", string(state)).Msg("session state changed")
	m.sink.SessionStateChanged(state)
}
