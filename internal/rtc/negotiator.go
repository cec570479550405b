// Package rtc establishes the direct audio/data peer transport. The control
// channel is used purely as the signaling carrier: discovered local ICE
// candidates go out as rtc.candidate messages, and the session machine owns
// all offer/answer sequencing.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"roomvoice/internal/ports"
	"roomvoice/internal/protocol"
)

// sideChannelLabel names the client-opened data channel for small control
// messages multiplexed over the peer link. The server opens its own channel
// symmetrically; both are decoded the same way.
const sideChannelLabel = "client-events"

// Config controls peer connection construction.
type Config struct {
	STUNServers []string
	SampleRate  int
	ChunkSize   int
}

// Negotiator builds peer transports. It is stateless beyond configuration;
// each Create returns an independent transport owned by the caller.
type Negotiator struct {
	cfg Config
	log zerolog.Logger
}

func NewNegotiator(cfg Config, log zerolog.Logger) *Negotiator {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 160
	}
	return &Negotiator{cfg: cfg, log: log}
}

// Create constructs a peer connection wired to the signaling sender and the
// caller's callbacks.
func (n *Negotiator) Create(sender ports.ControlSender, callbacks ports.PeerCallbacks) (ports.PeerTransport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: n.cfg.STUNServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	transport := &Transport{
		pc:         pc,
		sampleRate: n.cfg.SampleRate,
		chunkSize:  n.cfg.ChunkSize,
		log:        n.log,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		payload := protocol.RtcCandidatePayload{
			Candidate:     init.Candidate,
			SdpMid:        init.SDPMid,
			SdpMLineIndex: init.SDPMLineIndex,
		}
		if err := sender.Send(protocol.Outgoing{Event: protocol.EventRtcCandidate, Data: payload}); err != nil {
			n.log.Warn().Err(err).Msg("failed to relay local candidate")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if callbacks.OnConnectionStateChange != nil {
			callbacks.OnConnectionStateChange(mapPeerState(state))
		}
	})

	pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		n.attachSideChannel(channel, callbacks.OnDataMessage)
	})

	sideChannel, err := pc.CreateDataChannel(sideChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create side channel: %w", err)
	}
	n.attachSideChannel(sideChannel, callbacks.OnDataMessage)
	transport.sideChannel = sideChannel

	return transport, nil
}

func (n *Negotiator) attachSideChannel(channel *webrtc.DataChannel, onMessage func(protocol.Incoming)) {
	channel.OnMessage(func(raw webrtc.DataChannelMessage) {
		if !raw.IsString {
			return
		}
		msg, err := protocol.DecodeIncoming(raw.Data)
		if err != nil {
			n.log.Debug().Err(err).Str("label", channel.Label()).Msg("dropping side-channel frame")
			return
		}
		if onMessage != nil {
			onMessage(msg)
		}
	})
}

// Transport is one live peer connection plus its outbound side channel and
// audio track.
type Transport struct {
	pc          *webrtc.PeerConnection
	sideChannel *webrtc.DataChannel
	sampleRate  int
	chunkSize   int
	log         zerolog.Logger

	mu        sync.Mutex
	track     *webrtc.TrackLocalStaticSample
	closeOnce sync.Once
	closeErr  error
}

// CreateOffer creates a local SDP offer and applies it as the local
// description.
func (t *Transport) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("apply local description: %w", err)
	}
	return protocol.SessionDescription{SDP: offer.SDP, Type: offer.Type.String()}, nil
}

// ApplyAnswer applies the remote SDP answer.
func (t *Transport) ApplyAnswer(ctx context.Context, answer protocol.SessionDescription) error {
	desc := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(answer.Type),
		SDP:  answer.SDP,
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote description: %w", err)
	}
	return nil
}

// AddRemoteCandidate applies one remote ICE candidate. Empty candidates are
// end-of-candidates markers and are skipped.
func (t *Transport) AddRemoteCandidate(candidate protocol.RtcCandidatePayload) error {
	if candidate.Candidate == "" {
		return nil
	}
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SdpMid,
		SDPMLineIndex: candidate.SdpMLineIndex,
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("apply remote candidate: %w", err)
	}
	return nil
}

// AttachAudio adds a PCMU track fed from the capture source. The pump stops
// when the source is stopped or the track write fails.
func (t *Transport) AttachAudio(source ports.AudioSource) error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: uint32(t.sampleRate),
			Channels:  1,
		},
		"audio",
		"roomvoice-mic",
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}

	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("attach audio track: %w", err)
	}

	t.mu.Lock()
	t.track = track
	t.mu.Unlock()

	go drainRTCP(sender)
	go t.pump(source, track)
	return nil
}

func (t *Transport) pump(source ports.AudioSource, track *webrtc.TrackLocalStaticSample) {
	buf := make([]byte, t.chunkSize)
	for {
		n, err := source.Read(buf)
		if n > 0 {
			sample := media.Sample{
				Data:     append([]byte(nil), buf[:n]...),
				Duration: time.Duration(n) * time.Second / time.Duration(t.sampleRate),
			}
			if werr := track.WriteSample(sample); werr != nil {
				t.log.Debug().Err(werr).Msg("audio sample write failed")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Warn().Err(err).Msg("audio capture read failed")
			}
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Close detaches every event hook before closing so stale callbacks cannot
// fire after teardown, then closes the side channel and the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.pc.OnICECandidate(nil)
		t.pc.OnConnectionStateChange(nil)
		t.pc.OnDataChannel(nil)

		if t.sideChannel != nil {
			_ = t.sideChannel.Close()
		}
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func mapPeerState(state webrtc.PeerConnectionState) ports.PeerConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ports.PeerStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ports.PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ports.PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ports.PeerStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ports.PeerStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ports.PeerStateClosed
	default:
		return ports.PeerConnectionState(state.String())
	}
}
