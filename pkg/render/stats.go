package render

import (
	"math"

	"github.com/poltergeist/prototype/pkg/types"
)

// ChannelStats are time-domain statistics of one output jack
type ChannelStats struct {
	Peak   float64 `json:"peak"`
	PeakDB float64 `json:"peakDb"`
	RMS    float64 `json:"rms"`
	RMSDB  float64 `json:"rmsDb"`
	DC     float64 `json:"dc"`
	// Clipped counts samples outside [-1, 1] before they were written.
	Clipped int `json:"clipped"`
}

// Stats summarise a render
type Stats struct {
	Frames     int                         `json:"frames"`
	SampleRate int                         `json:"sampleRate"`
	Dispatched uint64                      `json:"dispatched"`
	Skipped    uint64                      `json:"skipped"`
	Outputs    [types.NumRows]ChannelStats `json:"outputs"`
}

// accumulator gathers per-jack statistics one frame at a time.
type accumulator struct {
	n       int
	sum     [types.NumRows]float64
	sumSq   [types.NumRows]float64
	peak    [types.NumRows]float64
	clipped [types.NumRows]int
}

func (a *accumulator) add(f types.Frame) {
	a.n++
	for i, v := range f {
		x := float64(v)
		a.sum[i] += x
		a.sumSq[i] += x * x
		if ax := math.Abs(x); ax > a.peak[i] {
			a.peak[i] = ax
		}
		if x > 1 || x < -1 {
			a.clipped[i]++
		}
	}
}

func (a *accumulator) result() [types.NumRows]ChannelStats {
	var out [types.NumRows]ChannelStats
	for i := range out {
		c := ChannelStats{Peak: a.peak[i], Clipped: a.clipped[i]}
		if a.n > 0 {
			c.DC = a.sum[i] / float64(a.n)
			c.RMS = math.Sqrt(a.sumSq[i] / float64(a.n))
		}
		c.PeakDB = ampToDB(c.Peak)
		c.RMSDB = ampToDB(c.RMS)
		out[i] = c
	}
	return out
}

// SilenceDB is reported for silent channels so stats stay JSON-encodable.
const SilenceDB = -120.0

// ampToDB is 20 log10 |v|, floored at SilenceDB.
func ampToDB(v float64) float64 {
	a := math.Abs(v)
	if a == 0 {
		return SilenceDB
	}
	return math.Max(20*math.Log10(a), SilenceDB)
}
