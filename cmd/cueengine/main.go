// Command cueengine is the dedicated OS process described by spec.md §2:
// it owns the audio pipeline and talks to its UI host over two
// newline-delimited JSON streams — commands in on stdin, events out on
// stdout — so logging must never touch stdout (spec.md §4.4's wire
// channel would otherwise be corrupted by log lines).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/cuegrid/engine/internal/config"
	"github.com/cuegrid/engine/internal/decoder"
	"github.com/cuegrid/engine/internal/engine"
	"github.com/cuegrid/engine/internal/mixer"
	"github.com/cuegrid/engine/internal/protocol"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a cuegrid tuning config JSON file (defaults used if empty or unreadable)")
	deviceIndex := pflag.IntP("device", "d", -1, "output device index (-1 selects the host default)")
	listDevices := pflag.BoolP("list-devices", "l", false, "list available output devices and exit")
	logLevel := pflag.StringP("log-level", "v", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatRFC3339
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	// stderr, never stdout: stdout is the event wire. Every log line is
	// tagged with this process's own run id so a host juggling multiple
	// cueengine children (or restarts of the same one) can separate their
	// interleaved stderr output; this is distinct from a cue's own
	// caller-supplied CueID.
	runID := uuid.NewString()
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "cueengine").Str("run_id", runID).Logger()

	if *listDevices {
		devices, err := mixer.ListDevices()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to list output devices")
		}
		for i, d := range devices {
			log.Info().Int("index", i).Str("name", d.Name).Msg("output device")
		}
		return
	}

	cfg := config.Load(*configPath)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	loops := &decoder.LoopState{}
	pool := decoder.NewCoordinator(cfg.DecoderWorkerCount, cfg.SampleRate, cfg.Channels, cfg.DecoderSliceCap, loops, log)

	mixCfg := mixer.Config{
		SampleRate:           cfg.SampleRate,
		Channels:             cfg.Channels,
		BlockFrames:          cfg.BlockFrames,
		TargetBlocks:         cfg.TargetBlocks,
		LowWaterBlocks:       cfg.LowWaterBlocks,
		StarvationWarnBlocks: cfg.StarvationWarnBlocks,
		StartCreditBlocks:    cfg.StartCreditBlocks,
		StarvationWindow:     time.Duration(cfg.StarvationWindowMS) * time.Millisecond,
		StarvationThreshold:  cfg.StarvationThreshold,
	}
	mix := mixer.New(mixCfg, pool.Chunks(), pool.Errors(), pool, log)
	if *deviceIndex >= 0 {
		idx := *deviceIndex
		mix.SetDevice(&idx, "")
	}
	if err := mix.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start output stream")
	}

	fac := engine.New(pool, mix, loops, mixCfg, log)
	go fac.Run()

	enc := protocol.NewEventEncoder(os.Stdout)
	eventWriter := newEventWriter(fac.Events(), enc, log)
	go eventWriter.run()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dec := protocol.NewCommandDecoder(os.Stdin)
	cmdReader := newCommandReader(dec, fac, log)
	go cmdReader.run()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	fac.Dispatch(protocol.Shutdown{})
	fac.Stop()
	eventWriter.stop()
}

func newEventWriter(events <-chan protocol.Event, enc *protocol.EventEncoder, log zerolog.Logger) *eventWriter {
	return &eventWriter{events: events, enc: enc, log: log, stopCh: make(chan struct{}), done: make(chan struct{})}
}

type eventWriter struct {
	events <-chan protocol.Event
	enc    *protocol.EventEncoder
	log    zerolog.Logger
	stopCh chan struct{}
	done   chan struct{}
}

func (w *eventWriter) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return
		case ev := <-w.events:
			if err := w.enc.Encode(ev); err != nil {
				w.log.Error().Err(err).Msg("failed to encode event frame")
			}
		}
	}
}

func (w *eventWriter) stop() {
	close(w.stopCh)
	<-w.done
}

type commandReader struct {
	dec *protocol.CommandDecoder
	fac *engine.Facade
	log zerolog.Logger
}

func newCommandReader(dec *protocol.CommandDecoder, fac *engine.Facade, log zerolog.Logger) *commandReader {
	return &commandReader{dec: dec, fac: fac, log: log}
}

func (r *commandReader) run() {
	for {
		cmd, err := r.dec.Decode()
		if err != nil {
			r.log.Info().Err(err).Msg("command stream closed")
			r.fac.Dispatch(protocol.Shutdown{})
			return
		}
		r.fac.Dispatch(cmd)
	}
}
