// Command roomvoice runs one realtime capture session from the terminal and
// prints transcript updates as they arrive. SIGINT/SIGTERM are treated as an
// implicit stop so the microphone and peer transport always release.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"roomvoice/internal/bootstrap"
	"roomvoice/internal/domain"
	"roomvoice/internal/logging"
)

func main() {
	roomID := flag.String("room", "", "room id to record against (required)")
	flag.Parse()

	// The sink is handed to Build before logging is initialized; it starts
	// on a plain stderr logger and picks up the configured one afterwards.
	sink := &consoleSink{log: zerolog.New(os.Stderr).With().Timestamp().Logger()}
	services, err := bootstrap.Build(sink)
	if err != nil {
		sink.SessionError(domain.ErrorCodeStartup, err.Error())
		os.Exit(1)
	}
	sink.log = logging.WithComponent("ui")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := services.Machine.Start(ctx, *roomID); err != nil {
		fmt.Fprintf(os.Stderr, "could not start session: %v\n", err)
		services.Channel.Disconnect()
		os.Exit(1)
	}

	<-ctx.Done()

	if services.Machine.Snapshot().State.Active() {
		sink.log.Info().Msg("stopping active session")
	}
	services.Machine.Close()
	services.OCR.Stop()
	services.LLM.Stop()
	services.Channel.Disconnect()

	snapshot := services.Reconciler.Snapshot()
	for _, bubble := range snapshot.Bubbles {
		speaker := "?"
		if bubble.Speaker != nil {
			speaker = fmt.Sprintf("%d", *bubble.Speaker)
		}
		fmt.Printf("[%s] %s\n", speaker, bubble.Text)
	}
	for _, pair := range snapshot.QaPairs {
		fmt.Printf("Q: %s\nA: %s\n", pair.QText, pair.AText)
	}
}

// consoleSink renders engine events as structured log lines.
type consoleSink struct {
	log zerolog.Logger
}

func (s *consoleSink) SessionStateChanged(state domain.SessionState) {
	s.log.Info().Str("state", string(state)).Msg("session")
}

func (s *consoleSink) SessionError(code domain.ErrorCode, detail string) {
	s.log.Error().Str("code", string(code)).Msg(detail)
}

func (s *consoleSink) PartialUpdated(text string) {
	if text != "" {
		s.log.Info().Str("partial", text).Msg("transcribing")
	}
}

func (s *consoleSink) BubblesAppended(bubbles []domain.Bubble) {
	for _, bubble := range bubbles {
		event := s.log.Info().Str("text", bubble.Text)
		if bubble.Speaker != nil {
			event = event.Int("speaker", *bubble.Speaker)
		}
		event.Msg("segment")
	}
}

func (s *consoleSink) QaUpdated(pairs []domain.QaPair) {
	s.log.Info().Int("count", len(pairs)).Msg("qa pairs updated")
}

func (s *consoleSink) StatsUpdated(stats domain.StreamStats) {
	s.log.Debug().
		Int64("bytes", stats.Bytes).
		Int64("chunks", stats.Chunks).
		Int64("partials", stats.Partials).
		Int64("finals", stats.Finals).
		Msg("stream stats")
}

func (s *consoleSink) JobUpdated(status domain.JobStatus) {
	s.log.Info().
		Str("kind", string(status.Kind)).
		Str("job", status.ID).
		Str("stage", string(status.Stage)).
		Str("detail", status.StageDetail).
		Msg("job update")
}
