// Package dsp implements the per-session streaming audio conditioner: FIR
// smoothing, a noise gate with hold, asymmetric one-pole AGC, and a soft
// hyperbolic limiter, finishing each chunk through the A-law codec.
package dsp

import (
	"github.com/ava-doorbell/relay/internal/alaw"
)

const (
	// NoiseGateThreshold is the smoothed-chunk peak below which the gate
	// closes once its hold has expired.
	NoiseGateThreshold = 30
	// NoiseGateHoldChunks is how many additional chunks the gate stays
	// open after the signal last crossed NoiseGateThreshold.
	NoiseGateHoldChunks = 12

	// AGCTarget is the peak amplitude the AGC tries to converge to.
	AGCTarget = 12000
	// AGCMinGain and AGCMaxGain bound agc_gain at all times.
	AGCMinGain = 1
	AGCMaxGain = 30

	// SoftLimit is the sample magnitude above which the hyperbolic
	// soft-knee compressor engages.
	SoftLimit = 12000
	// SoftCeiling is the asymptote the compressor approaches for very
	// loud input.
	SoftCeiling = 28000
)

// attackOld/attackNew and releaseOld/releaseNew are the one-pole IIR
// coefficients for gain
// tracking: attack (gain reduction) is fast, release (gain increase) slow.
const (
	attackOld, attackNew   = 0.05, 0.95
	releaseOld, releaseNew = 0.90, 0.10
)

// Conditioner holds the per-session state that must persist across
// incoming audio chunks: the AGC gain and the noise-gate hold counter.
// A Conditioner is owned by exactly one session and is not safe for
// concurrent use.
type Conditioner struct {
	agcGain       float64
	gateHoldLeft  int
	smoothScratch []int32
}

// New returns a Conditioner with its AGC gain initialized to unity, the
// same starting point the source uses before any chunk has been seen.
func New() *Conditioner {
	return &Conditioner{agcGain: 1.0}
}

// GateHoldChunks reports the current gate hold countdown, exposed for
// diagnostics and tests.
func (c *Conditioner) GateHoldChunks() int { return c.gateHoldLeft }

// AGCGain reports the current AGC gain, exposed for diagnostics and tests.
func (c *Conditioner) AGCGain() float64 { return c.agcGain }

// Process runs one chunk of signed 16-bit PCM samples through the full
// conditioning chain and returns an A-law byte per input sample. The
// returned slice is always len(pcm) bytes, even when the gate is closed
// (in which case every byte is alaw.Silence).
func (c *Conditioner) Process(pcm []int16) []byte {
	n := len(pcm)
	if n == 0 {
		return nil
	}

	smoothed := c.smooth(pcm)
	peak := chunkPeak(smoothed)

	if peak >= NoiseGateThreshold {
		c.gateHoldLeft = NoiseGateHoldChunks
	} else if c.gateHoldLeft > 0 {
		c.gateHoldLeft--
	} else {
		out := make([]byte, n)
		for i := range out {
			out[i] = alaw.Silence
		}
		return out
	}

	c.updateAGC(peak)
	intGain := int32(c.agcGain)

	out := make([]byte, n)
	for i, s := range smoothed {
		v := s * intGain
		v = softLimit(v)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = alaw.Encode(int16(v))
	}
	return out
}

// smooth applies the 5-tap weighted FIR kernel [1,2,4,2,1]/10 in-place
// style, with narrower truncated kernels at the first two and last two
// samples so output length always equals input length.
func (c *Conditioner) smooth(x []int16) []int32 {
	n := len(x)
	if cap(c.smoothScratch) < n {
		c.smoothScratch = make([]int32, n)
	}
	y := c.smoothScratch[:n]

	xi := func(i int) int32 {
		if i < 0 {
			i = 0
		}
		if i >= n {
			i = n - 1
		}
		return int32(x[i])
	}

	if n == 1 {
		y[0] = xi(0)
		return y
	}
	if n < 5 {
		// Too short for the full 5-tap kernel plus distinct truncated
		// edges; fall back to the front truncated kernel mirrored at
		// both ends, which degrades gracefully for these never-seen-
		// in-practice chunk sizes (real chunks are 320 samples).
		y[0] = (4*xi(0) + 2*xi(1) + xi(min(2, n-1))) / 7
		y[n-1] = (4*xi(n-1) + 2*xi(n-2) + xi(max(n-3, 0))) / 7
		for i := 1; i < n-1; i++ {
			y[i] = (xi(i-1) + 2*xi(i) + xi(i+1)) / 4
		}
		return y
	}

	y[0] = (4*xi(0) + 2*xi(1) + xi(2)) / 7
	y[1] = (2*xi(0) + 4*xi(1) + 2*xi(2) + xi(3)) / 9
	for i := 2; i < n-2; i++ {
		y[i] = (xi(i-2) + 2*xi(i-1) + 4*xi(i) + 2*xi(i+1) + xi(i+2)) / 10
	}
	y[n-2] = (2*xi(n-1) + 4*xi(n-2) + 2*xi(n-3) + xi(n-4)) / 9
	y[n-1] = (4*xi(n-1) + 2*xi(n-2) + xi(n-3)) / 7
	return y
}

func chunkPeak(y []int32) int32 {
	var peak int32
	for _, v := range y {
		a := v
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	return peak
}

// updateAGC advances agc_gain by one step of the asymmetric one-pole
// filter described in the conditioning chain: fast attack toward a lower
// ideal gain, slow release toward a higher one.
func (c *Conditioner) updateAGC(peak int32) {
	if peak == 0 {
		peak = 1
	}
	ideal := float64(AGCTarget) / float64(peak)
	if ideal < AGCMinGain {
		ideal = AGCMinGain
	} else if ideal > AGCMaxGain {
		ideal = AGCMaxGain
	}

	if ideal < c.agcGain {
		c.agcGain = c.agcGain*attackOld + ideal*attackNew
	} else {
		c.agcGain = c.agcGain*releaseOld + ideal*releaseNew
	}

	if c.agcGain < AGCMinGain {
		c.agcGain = AGCMinGain
	} else if c.agcGain > AGCMaxGain {
		c.agcGain = AGCMaxGain
	}
}

// softLimit applies the hyperbolic soft-knee compressor: magnitudes above
// SoftLimit are mapped toward an asymptote at SoftCeiling instead of
// clipping hard.
func softLimit(v int32) int32 {
	sign := int32(1)
	a := v
	if a < 0 {
		sign = -1
		a = -a
	}
	if a <= SoftLimit {
		return v
	}
	excess := a - SoftLimit
	span := int32(SoftCeiling - SoftLimit)
	compressed := int32(int64(span) * int64(excess) / int64(excess+span))
	return sign * (SoftLimit + compressed)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
