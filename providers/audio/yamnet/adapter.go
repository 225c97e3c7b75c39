// Package yamnet adapts a remote YAMNet scoring service into an audio cue
// provider. The service returns AudioSet class scores; the adapter folds
// the classes relevant to hand washing into the audio cue vocabulary.
package yamnet

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/sensing/contracts"
	"github.com/tiger/handwash-assess/providers/common/httpadapter"
)

// audioCueMapping folds AudioSet display names into cue keys. A cue takes
// the maximum score among its classes, capped at 1.
var audioCueMapping = map[string][]string{
	cues.WaterSound: {
		"Water tap, faucet", "Water", "Sink (filling or washing)", "Pour",
		"Stream", "Trickle, dribble",
	},
	cues.BlowerSound: {
		"Hair dryer", "Mechanical fan", "Air conditioning",
	},
}

// Config controls one audio classifier adapter.
type Config struct {
	Name       string
	BaseURL    string
	SampleRate int           // default 16000
	Timeout    time.Duration // default 5s
	Client     httpadapter.Doer
}

// Adapter implements contracts.Provider against a YAMNet scoring endpoint.
type Adapter struct {
	cfg    Config
	client *httpadapter.Client
}

// New validates the config and returns a ready adapter.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client, err := httpadapter.New(httpadapter.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Client:  cfg.Client,
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

func (a *Adapter) ProviderID() string { return a.cfg.Name }

func (a *Adapter) Modality() contracts.Modality { return contracts.ModalityAudio }

type classifyRequest struct {
	SampleRate int    `json:"sample_rate"`
	PCMBase64  string `json:"pcm_base64"`
}

type classifyResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// Classify scores one mono float32 PCM chunk and maps the class scores
// into audio cues.
func (a *Adapter) Classify(payload contracts.Payload) (cues.Map, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if payload.Modality != contracts.ModalityAudio {
		return nil, fmt.Errorf("provider %s: unsupported modality %s", a.cfg.Name, payload.Modality)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	req := classifyRequest{
		SampleRate: a.cfg.SampleRate,
		PCMBase64:  base64.StdEncoding.EncodeToString(payload.Data),
	}
	var resp classifyResponse
	if err := a.client.PostJSON(ctx, "", req, &resp); err != nil {
		return nil, fmt.Errorf("provider %s: %w", a.cfg.Name, err)
	}
	return MapScores(resp.Scores), nil
}

// MapScores folds raw class scores into the audio cue vocabulary.
func MapScores(scores map[string]float64) cues.Map {
	out := cues.ZeroAudio()
	for cueKey, classNames := range audioCueMapping {
		max := 0.0
		for _, className := range classNames {
			if score := scores[className]; score > max {
				max = score
			}
		}
		if max > 1 {
			max = 1
		}
		out[cueKey] = max
	}
	return out
}
