package feedback

import "context"

// Speaker renders a planned utterance to the user. Implementations must be
// safe for use from the session loop goroutine and should return quickly;
// slow backends queue internally.
type Speaker interface {
	Speak(ctx context.Context, utterance Utterance) error
	Close() error
}

// NopSpeaker discards every utterance. Used when voice output is disabled.
type NopSpeaker struct{}

func (NopSpeaker) Speak(context.Context, Utterance) error { return nil }
func (NopSpeaker) Close() error                           { return nil }
