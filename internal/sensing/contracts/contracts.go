// Package contracts defines the provider adapter boundary for cue sensing.
package contracts

import (
	"fmt"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
)

// Modality identifies which cue pipeline a provider or work unit belongs to.
type Modality string

const (
	ModalityVisual Modality = "visual"
	ModalityAudio  Modality = "audio"
)

// Validate enforces supported modality values.
func (m Modality) Validate() error {
	switch m {
	case ModalityVisual, ModalityAudio:
		return nil
	default:
		return fmt.Errorf("unsupported modality: %q", m)
	}
}

// Vocabulary returns the cue key set the modality is allowed to produce.
func (m Modality) Vocabulary() []string {
	if m == ModalityAudio {
		return cues.AudioKeys
	}
	return cues.VisualKeys
}

// ZeroCues returns the all-zero fallback map for the modality.
func (m Modality) ZeroCues() cues.Map {
	if m == ModalityAudio {
		return cues.ZeroAudio()
	}
	return cues.ZeroVisual()
}

// Payload is one unit of work for a provider: an encoded frame or a PCM
// audio chunk, depending on modality.
type Payload struct {
	Modality Modality
	Data     []byte
}

// Validate enforces payload invariants before dispatch.
func (p Payload) Validate() error {
	if err := p.Modality.Validate(); err != nil {
		return err
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("payload data is required")
	}
	return nil
}

// Provider wraps one inference endpoint. Classify blocks up to the
// adapter's own timeout and returns a cue map restricted to the provider's
// modality vocabulary. Implementations must be safe for concurrent calls.
type Provider interface {
	ProviderID() string
	Modality() Modality
	Classify(payload Payload) (cues.Map, error)
}

// Result is one completed classify attempt delivered to the merge path.
// Failed attempts carry the modality's zero-cue fallback and a reason.
type Result struct {
	Modality   Modality
	ProviderID string
	Cues       cues.Map
	Sequence   int64
	Timestamp  time.Time
	Fallback   bool
	Reason     string
}

// Validate enforces result invariants before the result crosses into merge.
func (r Result) Validate() error {
	if err := r.Modality.Validate(); err != nil {
		return err
	}
	if r.ProviderID == "" {
		return fmt.Errorf("provider_id is required")
	}
	if r.Sequence < 0 {
		return fmt.Errorf("sequence must be >= 0")
	}
	if r.Cues == nil {
		return fmt.Errorf("cues are required")
	}
	return nil
}
