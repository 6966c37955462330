package audio

import "math"

// Int16ToFloat32 converts linear PCM samples from [-32768,32767] to the
// normalized [-1,1] range. A uniform 32768 divisor avoids asymmetric
// distortion around zero.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts normalized samples back to 16-bit linear PCM,
// clipping anything outside [-1,1].
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * 32767.0)
	}
	return out
}

// RMS calculates the root mean square of normalized samples.
// Used for the avatar amplitude feed.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSInt16 calculates the root mean square of 16-bit PCM samples.
// Used by voice activity detection on the capture path.
func RMSInt16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
