// Command washd runs the hand-washing assessment core: it fans camera
// frames and audio chunks out to remote classifiers, merges the returned
// cues, and drives the scoring state machine.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/config"
	"github.com/tiger/handwash-assess/internal/feedback"
	"github.com/tiger/handwash-assess/internal/fsm"
	"github.com/tiger/handwash-assess/internal/observability/telemetry"
	"github.com/tiger/handwash-assess/internal/report"
	"github.com/tiger/handwash-assess/internal/sensing/contracts"
	"github.com/tiger/handwash-assess/internal/sensing/dispatch"
	"github.com/tiger/handwash-assess/internal/sensing/merge"
	"github.com/tiger/handwash-assess/internal/session"
	"github.com/tiger/handwash-assess/providers/audio/yamnet"
	pollyspeaker "github.com/tiger/handwash-assess/providers/tts/polly"
	"github.com/tiger/handwash-assess/providers/vision/openaivlm"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "washd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer, now func() time.Time) error {
	if len(args) == 0 {
		printUsage(stdout)
		return nil
	}
	switch args[0] {
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	case "init-config":
		return runInitConfig(args[1:], stdout)
	case "check-providers":
		return runCheckProviders(args[1:], stdout)
	case "replay":
		return runReplay(args[1:], stdout, now)
	case "run":
		return runLive(args[1:], stdout, stderr, now)
	default:
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "washd usage:")
	fmt.Fprintln(w, "  washd init-config [-out config.json]")
	fmt.Fprintln(w, "  washd check-providers -config config.json")
	fmt.Fprintln(w, "  washd replay -input session.jsonl [-out outputs]")
	fmt.Fprintln(w, "  washd run -config config.json [-out outputs]")
}

func runInitConfig(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("init-config", flag.ContinueOnError)
	flags.SetOutput(stdout)
	out := flags.String("out", "config.json", "path to write the default configuration")
	if err := flags.Parse(args); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config.Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(*out, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(stdout, "default configuration written: %s\n", *out)
	return nil
}

func runCheckProviders(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("check-providers", flag.ContinueOnError)
	flags.SetOutput(stdout)
	configPath := flags.String("config", "config.json", "runtime configuration file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	unreachable := 0
	for _, providerCfg := range cfg.ByModality("visual") {
		adapter, err := visionAdapter(providerCfg, cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = adapter.Health(ctx)
		cancel()
		if err != nil {
			unreachable++
			fmt.Fprintf(stdout, "  %-16s FAIL  %v\n", providerCfg.Name, err)
			continue
		}
		fmt.Fprintf(stdout, "  %-16s OK    %s\n", providerCfg.Name, providerCfg.URL)
	}
	if unreachable > 0 {
		fmt.Fprintf(stdout, "WARNING: %d provider(s) unreachable\n", unreachable)
	}
	return nil
}

// replayRecord is one line of a recorded cue feed: a session-relative
// offset plus the merged cue observations at that instant.
type replayRecord struct {
	AtMS int64              `json:"at_ms"`
	Cues map[string]float64 `json:"cues"`
}

func runReplay(args []string, stdout io.Writer, now func() time.Time) error {
	flags := flag.NewFlagSet("replay", flag.ContinueOnError)
	flags.SetOutput(stdout)
	input := flags.String("input", "", "JSONL cue feed to replay")
	out := flags.String("out", "outputs", "directory for the session log and report")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("replay requires -input")
	}

	f, err := os.Open(*input)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()

	base := now()
	clock := replayClock{now: base}
	engine, err := fsm.New(fsm.Config{Now: clock.Now})
	if err != nil {
		return err
	}
	logger := report.NewLogger(now)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var record replayRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("feed line %d: %w", line, err)
		}
		clock.now = base.Add(time.Duration(record.AtMS) * time.Millisecond)
		snapshot := mergedSnapshot(record.Cues)
		if transition, fired := engine.Tick(snapshot); fired {
			logger.Transition(transition, snapshot.Merged)
			fmt.Fprintf(stdout, "  %s -> %s (%s)\n", transition.From, transition.To, transition.Reason)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read feed: %w", err)
	}

	final := engine.Snapshot()
	if err := report.Render(stdout, final); err != nil {
		return err
	}
	if _, err := logger.Save(*out, final); err != nil {
		return err
	}
	if _, err := report.WriteText(*out, final); err != nil {
		return err
	}
	return nil
}

// mergedSnapshot normalizes a raw feed record into the full two-modality
// vocabulary with zero defaults.
func mergedSnapshot(raw map[string]float64) cues.Snapshot {
	observed := cues.Map(raw)
	merged := cues.Normalize(observed, cues.VisualKeys)
	for key, value := range cues.Normalize(observed, cues.AudioKeys) {
		merged[key] = value
	}
	return cues.Snapshot{Merged: merged}
}

// payloadRecord is one line of the live stdin feed: a captured unit for
// one modality.
type payloadRecord struct {
	Modality   string `json:"modality"`
	DataBase64 string `json:"data_base64"`
}

func runLive(args []string, stdout, stderr io.Writer, now func() time.Time) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetOutput(stdout)
	configPath := flags.String("config", "config.json", "runtime configuration file")
	out := flags.String("out", "", "directory for the session log and report (default from config)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	outputDir := cfg.OutputDir
	if *out != "" {
		outputDir = *out
	}

	pipeline := telemetry.NewPipeline(telemetry.NewWriterSink(stderr), telemetry.PipelineConfig{})
	telemetry.SetDefaultEmitter(pipeline)
	defer func() {
		telemetry.SetDefaultEmitter(nil)
		_ = pipeline.Close()
	}()

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	pool, err := dispatch.New(dispatch.Config{
		Providers:   providers,
		InFlightCap: cfg.InFlightCap,
		Cooldown:    cfg.Cooldown(),
		Now:         now,
	})
	if err != nil {
		return err
	}
	engine, err := fsm.New(fsm.Config{IdleTimeout: cfg.IdleTimeout(), Now: now})
	if err != nil {
		return err
	}

	speaker, err := buildSpeaker(cfg)
	if err != nil {
		return err
	}
	defer speaker.Close()

	logger := report.NewLogger(now)
	runner, err := session.New(session.Config{
		Pool:    pool,
		Merge:   merge.NewStage(),
		Engine:  engine,
		Planner: feedback.NewPlanner(feedback.Config{Cooldown: cfg.SpeechCooldown(), Now: now}),
		Speaker: speaker,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	loop, err := session.NewSensingLoop(session.SensingConfig{
		Pool:           pool,
		VisualInterval: cfg.VisualInterval(),
		AudioInterval:  cfg.AudioInterval(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = runner.Run(ctx)
	}()
	go func() {
		_ = loop.Run(ctx)
	}()

	fmt.Fprintf(stdout, "session %s started with %d providers\n", logger.SessionID(), len(providers))
	if err := feedPayloads(ctx, os.Stdin, loop); err != nil {
		stop()
		<-runnerDone
		return err
	}

	stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = pool.Drain(drainCtx)
	<-runnerDone

	final := runner.Snapshot()
	if err := report.Render(stdout, final); err != nil {
		return err
	}
	logPath, err := logger.Save(outputDir, final)
	if err != nil {
		return err
	}
	reportPath, err := report.WriteText(outputDir, final)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "session log written: %s\nreport written: %s\n", logPath, reportPath)
	return nil
}

// feedPayloads reads JSONL payload records from r until EOF or cancel.
func feedPayloads(ctx context.Context, r io.Reader, loop *session.SensingLoop) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return nil
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var record payloadRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("stdin line %d: %w", line, err)
		}
		data, err := base64.StdEncoding.DecodeString(record.DataBase64)
		if err != nil {
			return fmt.Errorf("stdin line %d: decode payload: %w", line, err)
		}
		switch contracts.Modality(record.Modality) {
		case contracts.ModalityVisual:
			loop.PublishFrame(data)
		case contracts.ModalityAudio:
			loop.PublishAudio(data)
		default:
			return fmt.Errorf("stdin line %d: unknown modality %q", line, record.Modality)
		}
	}
	return scanner.Err()
}

func buildProviders(cfg config.Config) ([]contracts.Provider, error) {
	var providers []contracts.Provider
	for _, providerCfg := range cfg.Providers {
		switch providerCfg.Modality {
		case "visual":
			adapter, err := visionAdapter(providerCfg, cfg)
			if err != nil {
				return nil, err
			}
			providers = append(providers, adapter)
		case "audio":
			adapter, err := yamnet.New(yamnet.Config{
				Name:    providerCfg.Name,
				BaseURL: providerCfg.URL,
				Timeout: cfg.RequestTimeout(),
			})
			if err != nil {
				return nil, err
			}
			providers = append(providers, adapter)
		}
	}
	return providers, nil
}

func visionAdapter(providerCfg config.ProviderConfig, cfg config.Config) (*openaivlm.Adapter, error) {
	apiKey, err := providerCfg.APIKey()
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", providerCfg.Name, err)
	}
	return openaivlm.New(openaivlm.Config{
		Name:    providerCfg.Name,
		BaseURL: providerCfg.URL,
		Model:   providerCfg.Model,
		Timeout: cfg.RequestTimeout(),
		APIKey:  apiKey,
	})
}

func buildSpeaker(cfg config.Config) (feedback.Speaker, error) {
	if !cfg.VoiceFeedback {
		return feedback.NopSpeaker{}, nil
	}
	return pollyspeaker.NewSpeaker(pollyspeaker.ConfigFromEnv())
}

// replayClock replays recorded timestamps into the engine.
type replayClock struct {
	now time.Time
}

func (c *replayClock) Now() time.Time { return c.now }
