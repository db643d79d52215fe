// Package beep plays short audio cues for session transitions: interview
// start, answer ready, and forced termination. Cues are synthesized sine
// ticks, played asynchronously and never blocking the session engine.
package beep

var disabled bool

func Disable() { disabled = true }

const (
	sampleRate = 44100

	// Interview start: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// Answer ready: medium pitch, slightly longer
	answerFreq   = 900
	answerVolume = 0.5
	answerDecay  = 40

	// Forced termination: low pitch double-beep
	alarmFreq   = 350
	alarmVolume = 0.6
	alarmDecay  = 30
)
