// Package bootstrap assembles the runtime dependency graph.
package bootstrap

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"roomvoice/internal/audio"
	"roomvoice/internal/config"
	"roomvoice/internal/domain"
	"roomvoice/internal/ids"
	"roomvoice/internal/jobs"
	"roomvoice/internal/logging"
	"roomvoice/internal/metrics"
	"roomvoice/internal/ports"
	"roomvoice/internal/protocol"
	"roomvoice/internal/realtime"
	"roomvoice/internal/rtc"
	"roomvoice/internal/session"
	"roomvoice/internal/transcript"
)

// Services is the assembled runtime graph.
type Services struct {
	Config     config.Config
	Channel    *realtime.Client
	Machine    *session.Machine
	Reconciler *transcript.Reconciler
	OCR        *jobs.Tracker
	LLM        *jobs.Tracker
	Metrics    *metrics.Metrics
}

// Build wires all engine dependencies. The control channel is the shared
// process-wide instance; every consumer in Services holds the same one.
func Build(sink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	met := metrics.New(prometheus.DefaultRegisterer)

	channel := realtime.New(realtime.Options{
		URL:         cfg.Signaling.URL,
		Dialer:      &realtime.WebsocketDialer{},
		BackoffBase: cfg.Signaling.BackoffBase,
		BackoffMax:  cfg.Signaling.BackoffMax,
		Logger:      logging.WithComponent("realtime"),
	})
	wireReconnectCounter(channel, met)

	negotiator := rtc.NewNegotiator(rtc.Config{
		STUNServers: cfg.RTC.STUNServers,
		SampleRate:  cfg.Audio.SampleRate,
		ChunkSize:   cfg.Audio.ChunkSize,
	}, logging.WithComponent("rtc"))

	reconciler := transcript.NewReconciler(ids.UUIDGenerator{}, sink, met)

	machine := session.New(
		channel,
		negotiator,
		audio.NewRecorderCapture(cfg.Audio.RecorderCommand),
		reconciler,
		sink,
		met,
		session.Config{
			Mic: ports.MicConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			Init: protocol.SessionInitPayload{
				Locale:      cfg.Session.Locale,
				Diarization: cfg.Session.Diarization,
				MinSpeakers: cfg.Session.MinSpeakers,
				MaxSpeakers: cfg.Session.MaxSpeakers,
			},
		},
		logging.WithComponent("session"),
	)

	statusAPI := jobs.NewHTTPStatusClient(cfg.API.BaseURL, nil)
	ocr := jobs.NewTracker(domain.JobKindOCR, statusAPI, cfg.Jobs.OCRPollInterval, sink.JobUpdated, logging.WithComponent("jobs").With().Str("kind", "ocr").Logger())
	llm := jobs.NewTracker(domain.JobKindLLM, statusAPI, cfg.Jobs.LLMPollInterval, sink.JobUpdated, logging.WithComponent("jobs").With().Str("kind", "llm").Logger())
	wireJobEvents(channel, ocr, llm)

	return Services{
		Config:     cfg,
		Channel:    channel,
		Machine:    machine,
		Reconciler: reconciler,
		OCR:        ocr,
		LLM:        llm,
		Metrics:    met,
	}, nil
}

// wireJobEvents routes push notifications into the trackers. Each handler
// extracts the job id so the tracker can reject cross-talk from stale jobs.
func wireJobEvents(channel *realtime.Client, ocr *jobs.Tracker, llm *jobs.Tracker) {
	channel.Subscribe(protocol.EventOcrProgress, func(msg protocol.Incoming) {
		ocr.HandleProgress(msg.OcrProgress.OcrID, msg.OcrProgress.Stage)
	})
	channel.Subscribe(protocol.EventOcrDone, func(msg protocol.Incoming) {
		ocr.HandleResult(msg.OcrReport.OcrID, msg.Raw)
	})
	channel.Subscribe(protocol.EventLlmProgress, func(msg protocol.Incoming) {
		llm.HandleProgress(msg.LlmProgress.ReportID, msg.LlmProgress.Stage)
	})
	channel.Subscribe(protocol.EventLlmResult, func(msg protocol.Incoming) {
		llm.HandleResult(msg.LlmReport.ReportID, msg.Raw)
	})
	channel.Subscribe(protocol.EventLlmError, func(msg protocol.Incoming) {
		llm.HandleError(msg.LlmError.ReportID, msg.LlmError.Message)
	})
}

func wireReconnectCounter(channel *realtime.Client, met *metrics.Metrics) {
	var seenFirst atomic.Bool
	channel.OnStatusChange(func(state realtime.ConnectionState) {
		if state != realtime.StateConnecting {
			return
		}
		if seenFirst.CompareAndSwap(false, true) {
			return
		}
		met.ReconnectScheduled()
	})
}
