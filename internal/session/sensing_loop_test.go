package session

import (
	"context"
	"testing"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/sensing/contracts"
	"github.com/tiger/handwash-assess/internal/sensing/dispatch"
)

func startLoop(t *testing.T, loop *SensingLoop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSensingLoopDispatchesFreshestFrame(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{id: "vlm-0", modality: contracts.ModalityVisual, cues: cues.Map{}}
	pool, err := dispatch.New(dispatch.Config{Providers: []contracts.Provider{provider}})
	if err != nil {
		t.Fatalf("unexpected pool error: %v", err)
	}
	loop, err := NewSensingLoop(SensingConfig{
		Pool:           pool,
		VisualInterval: 10 * time.Millisecond,
		AudioInterval:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected loop error: %v", err)
	}
	startLoop(t, loop)

	loop.PublishFrame([]byte("frame-1"))
	waitFor(t, 2*time.Second, func() bool {
		return provider.calls.Load() >= 1
	})
}

func TestSensingLoopOverwritesStalePayloads(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{id: "vlm-0", modality: contracts.ModalityVisual, cues: cues.Map{}}
	pool, err := dispatch.New(dispatch.Config{Providers: []contracts.Provider{provider}})
	if err != nil {
		t.Fatalf("unexpected pool error: %v", err)
	}
	loop, err := NewSensingLoop(SensingConfig{Pool: pool})
	if err != nil {
		t.Fatalf("unexpected loop error: %v", err)
	}

	// Capture outpaces dispatch: three frames land before any ticker
	// fires, so two are overwritten.
	loop.PublishFrame([]byte("frame-1"))
	loop.PublishFrame([]byte("frame-2"))
	loop.PublishFrame([]byte("frame-3"))
	visual, audio := loop.CaptureDrops()
	if visual != 2 || audio != 0 {
		t.Fatalf("expected 2 visual capture drops, got visual=%d audio=%d", visual, audio)
	}
}

func TestSensingLoopRoutesAudioSeparately(t *testing.T) {
	t.Parallel()

	visualProvider := &scriptedProvider{id: "vlm-0", modality: contracts.ModalityVisual, cues: cues.Map{}}
	audioProvider := &scriptedProvider{id: "yamnet-0", modality: contracts.ModalityAudio, cues: cues.Map{}}
	pool, err := dispatch.New(dispatch.Config{
		Providers: []contracts.Provider{visualProvider, audioProvider},
	})
	if err != nil {
		t.Fatalf("unexpected pool error: %v", err)
	}
	loop, err := NewSensingLoop(SensingConfig{
		Pool:           pool,
		VisualInterval: 10 * time.Millisecond,
		AudioInterval:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected loop error: %v", err)
	}
	startLoop(t, loop)

	loop.PublishAudio([]byte("pcm"))
	waitFor(t, 2*time.Second, func() bool {
		return audioProvider.calls.Load() >= 1
	})
	if visualProvider.calls.Load() != 0 {
		t.Fatalf("audio payload reached a visual provider")
	}
}

func TestNewSensingLoopRequiresPool(t *testing.T) {
	t.Parallel()

	if _, err := NewSensingLoop(SensingConfig{}); err == nil {
		t.Fatalf("expected pool requirement error")
	}
}
