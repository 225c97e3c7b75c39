// Package polly renders spoken feedback through Amazon Polly.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/tiger/handwash-assess/internal/feedback"
	"github.com/tiger/handwash-assess/internal/observability/telemetry"
)

const ProviderID = "tts-amazon-polly"

var (
	ErrThrottled   = errors.New("polly throttled")
	ErrUnspeakable = errors.New("polly rejected text")
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config controls voice synthesis. AudioOut receives the rendered MP3
// stream; playback is delegated to whatever the caller wires there.
type Config struct {
	Region   string
	VoiceID  string
	Engine   string
	Timeout  time.Duration
	AudioOut io.Writer
}

// ConfigFromEnv loads voice settings from HWA_TTS_POLLY_* variables.
func ConfigFromEnv() Config {
	return Config{
		Region:  defaultString(os.Getenv("HWA_TTS_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		VoiceID: defaultString(os.Getenv("HWA_TTS_POLLY_VOICE"), "Joanna"),
		Engine:  defaultString(os.Getenv("HWA_TTS_POLLY_ENGINE"), "neural"),
		Timeout: 15 * time.Second,
	}
}

// Speaker implements feedback.Speaker against the Polly API.
type Speaker struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

// NewSpeaker returns a speaker that builds its AWS client lazily from the
// default credential chain.
func NewSpeaker(cfg Config) (*Speaker, error) {
	return NewSpeakerWithClient(cfg, nil)
}

// NewSpeakerWithClient injects a synthesis client, used by tests.
func NewSpeakerWithClient(cfg Config, client synthClient) (*Speaker, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Joanna"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.AudioOut == nil {
		cfg.AudioOut = io.Discard
	}
	return &Speaker{client: client, cfg: cfg}, nil
}

// Speak synthesizes one utterance and streams the audio to AudioOut.
func (s *Speaker) Speak(ctx context.Context, utterance feedback.Utterance) error {
	if strings.TrimSpace(utterance.Text) == "" {
		return nil
	}
	client, err := s.resolveClient()
	if err != nil {
		return err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	text := utterance.Text
	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(s.cfg.VoiceID),
	})
	if err != nil {
		return normalizePollyError(err)
	}
	if output == nil || output.AudioStream == nil {
		return fmt.Errorf("polly returned empty audio stream")
	}
	defer output.AudioStream.Close()
	if _, err := io.Copy(s.cfg.AudioOut, output.AudioStream); err != nil {
		return fmt.Errorf("drain audio stream: %w", err)
	}
	telemetry.DefaultEmitter().EmitLog(
		"tts_speak", "debug", utterance.Text,
		map[string]string{"kind": string(utterance.Kind)},
		telemetry.Correlation{ProviderID: ProviderID},
	)
	return nil
}

// Close releases nothing today; the AWS client has no shutdown hook.
func (s *Speaker) Close() error { return nil }

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("polly synthesis: %w", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "InvalidSampleRateException":
			return fmt.Errorf("%w: %v", ErrUnspeakable, err)
		}
	}
	return fmt.Errorf("polly synthesis: %w", err)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (s *Speaker) resolveClient() (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}
