package audio

// VADConfig holds configuration for voice activity detection on the
// capture path.
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silence frames to mark end of speech
}

// DefaultVADConfig returns a default VAD configuration tuned for 60ms
// frames at 16kHz.
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10, // 600ms of silence at 60ms per frame
	}
}

// VADDetector gates the capture stream: frames are only encoded and sent
// while the local user is speaking.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a detector; a nil config uses the defaults.
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies one captured frame.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := RMSInt16(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Reset clears detector state between utterances.
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking reports whether speech is currently detected.
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
