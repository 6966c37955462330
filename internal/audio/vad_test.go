package audio

import (
	"testing"
)

func speechFrame() []int16 {
	samples := make([]int16, 960)
	for i := range samples {
		samples[i] = 5000
	}
	return samples
}

func silenceFrame() []int16 {
	samples := make([]int16, 960)
	for i := range samples {
		samples[i] = 10
	}
	return samples
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500.0, SilenceFrames: 10})

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessFrame(speechFrame())
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !speechStarted {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && speechStarted {
			t.Errorf("Expected no repeated speech start on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500.0, SilenceFrames: 10})

	for i := 0; i < 15; i++ {
		isSpeaking, _, _ := vad.ProcessFrame(silenceFrame())
		if isSpeaking {
			t.Errorf("Expected silence on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(&VADConfig{EnergyThreshold: 500.0, SilenceFrames: 10})

	for i := 0; i < 5; i++ {
		if isSpeaking, _, _ := vad.ProcessFrame(speechFrame()); !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
	}

	// Speech must persist through short pauses below the silence window
	for i := 0; i < 9; i++ {
		isSpeaking, _, speechEnded := vad.ProcessFrame(silenceFrame())
		if !isSpeaking {
			t.Errorf("Expected speech to persist on silence frame %d", i)
		}
		if speechEnded {
			t.Errorf("Expected no speech end on silence frame %d", i)
		}
	}

	isSpeaking, _, speechEnded := vad.ProcessFrame(silenceFrame())
	if isSpeaking {
		t.Error("Expected speech to end after silence window")
	}
	if !speechEnded {
		t.Error("Expected speech end signal after silence window")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(nil)

	vad.ProcessFrame(speechFrame())
	if !vad.IsSpeaking() {
		t.Fatal("Expected speaking state after speech frame")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speaking state cleared after reset")
	}
}
