package voice

import "math"

// NoiseGate is the transmit-side suppression pass. Each 960-sample frame
// is processed as two 480-sample halves so the gate can open mid-frame on
// speech onset. The envelope follows the half-frame RMS with fast attack
// and slow release; halves below the open threshold are attenuated rather
// than hard-muted to avoid pumping.
type NoiseGate struct {
	envelope  float64
	openLevel float64
	floorGain float32
}

// NewNoiseGate creates a gate with the default thresholds.
func NewNoiseGate() *NoiseGate {
	return &NoiseGate{
		openLevel: 0.015,
		floorGain: 0.1,
	}
}

const (
	gateAttack  = 0.6  // envelope rise per half-frame
	gateRelease = 0.05 // envelope fall per half-frame
)

// Process applies the gate in place and returns the frame.
func (g *NoiseGate) Process(frame []float32) []float32 {
	half := len(frame) / 2
	g.processHalf(frame[:half])
	g.processHalf(frame[half:])
	return frame
}

func (g *NoiseGate) processHalf(half []float32) {
	var sum float64
	for _, s := range half {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(half)))

	if rms > g.envelope {
		g.envelope += (rms - g.envelope) * gateAttack
	} else {
		g.envelope += (rms - g.envelope) * gateRelease
	}

	if g.envelope >= g.openLevel {
		return
	}
	for i := range half {
		half[i] *= g.floorGain
	}
}
