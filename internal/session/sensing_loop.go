package session

import (
	"context"
	"fmt"
	"time"

	"github.com/tiger/handwash-assess/internal/sensing/contracts"
	"github.com/tiger/handwash-assess/internal/sensing/dispatch"
	"github.com/tiger/handwash-assess/internal/sensing/inbox"
)

// SensingConfig wires the capture-to-dispatch path.
type SensingConfig struct {
	Pool           *dispatch.Pool
	VisualInterval time.Duration // default 370ms
	AudioInterval  time.Duration // default 1s
}

// SensingLoop decouples capture from dispatch cadence. Producers publish
// frames and audio chunks at capture rate into size-1 inboxes; the loop
// dispatches the freshest pending unit per modality on its own interval.
type SensingLoop struct {
	cfg    SensingConfig
	visual *inbox.Inbox
	audio  *inbox.Inbox
}

// NewSensingLoop validates the wiring and returns a loop.
func NewSensingLoop(cfg SensingConfig) (*SensingLoop, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.VisualInterval <= 0 {
		cfg.VisualInterval = 370 * time.Millisecond
	}
	if cfg.AudioInterval <= 0 {
		cfg.AudioInterval = time.Second
	}
	return &SensingLoop{
		cfg:    cfg,
		visual: inbox.New(),
		audio:  inbox.New(),
	}, nil
}

// PublishFrame offers one encoded camera frame, replacing any unconsumed one.
func (l *SensingLoop) PublishFrame(data []byte) {
	l.visual.Publish(contracts.Payload{Modality: contracts.ModalityVisual, Data: data})
}

// PublishAudio offers one PCM audio chunk, replacing any unconsumed one.
func (l *SensingLoop) PublishAudio(data []byte) {
	l.audio.Publish(contracts.Payload{Modality: contracts.ModalityAudio, Data: data})
}

// Run dispatches pending payloads on each modality's cadence until the
// context is cancelled.
func (l *SensingLoop) Run(ctx context.Context) error {
	visualTicker := time.NewTicker(l.cfg.VisualInterval)
	defer visualTicker.Stop()
	audioTicker := time.NewTicker(l.cfg.AudioInterval)
	defer audioTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-visualTicker.C:
			l.dispatchPending(l.visual)
		case <-audioTicker.C:
			l.dispatchPending(l.audio)
		}
	}
}

func (l *SensingLoop) dispatchPending(cell *inbox.Inbox) {
	payload, ok := cell.Take()
	if !ok {
		return
	}
	// Dispatch returning false means every eligible provider was busy or
	// cooling; the unit is dropped rather than queued stale.
	_, _ = l.cfg.Pool.Dispatch(payload)
}

// CaptureDrops reports how many published units were overwritten before
// dispatch, per modality.
func (l *SensingLoop) CaptureDrops() (visual, audio int64) {
	return l.visual.DroppedCount(), l.audio.DroppedCount()
}
