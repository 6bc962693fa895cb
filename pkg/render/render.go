// Package render runs a scheduler offline, from a WAV file or silence into a
// six-channel WAV file, one channel per output jack.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/poltergeist/prototype/internal/scheduler"
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/types"
)

const (
	chunkFrames = 1024
	pcmFormat   = 1
)

var (
	ErrNotWAV     = errors.New("input is not a WAV file")
	ErrNoLength   = errors.New("render length required without an input file")
	ErrBitDepth   = errors.New("unsupported bit depth")
	ErrNoChannels = errors.New("input has no channels")
	ErrSampleRate = errors.New("invalid sample rate")
)

// Options control a render
type Options struct {
	// Frames is the length rendered without an input file.
	Frames int
	// SampleRate is used without an input file; inputs keep their own rate.
	SampleRate int
	// BitDepth of the output, 16 or 24.
	BitDepth int
	// Tail is how many silent frames follow the input so the last buffer
	// is flushed. Zero means one dispatch period; negative means none.
	Tail int
}

func (o Options) withDefaults() Options {
	if o.SampleRate == 0 {
		o.SampleRate = int(types.DefaultSampleRate)
	}
	if o.BitDepth == 0 {
		o.BitDepth = 16
	}
	return o
}

// Renderer drives a scheduler faster than realtime
type Renderer struct {
	sched *scheduler.Scheduler
	log   logger.Logger
}

func New(sched *scheduler.Scheduler, log logger.Logger) *Renderer {
	if log == nil {
		log = logger.Discard()
	}
	return &Renderer{sched: sched, log: log}
}

// RenderFile renders inPath (empty for silence) into outPath.
func (r *Renderer) RenderFile(ctx context.Context, inPath, outPath string, opts Options) (*Stats, error) {
	var in io.ReadSeeker
	if inPath != "" {
		f, err := os.Open(inPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	stats, err := r.Render(ctx, in, out, opts)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close output: %w", cerr)
	}
	if err != nil {
		os.Remove(outPath)
		return nil, err
	}
	return stats, nil
}

// Render feeds in through the scheduler into out. Input channel c drives
// input jack c; channels past the sixth are ignored.
func (r *Renderer) Render(ctx context.Context, in io.ReadSeeker, out io.WriteSeeker, opts Options) (*Stats, error) {
	opts = opts.withDefaults()
	if opts.BitDepth != 16 && opts.BitDepth != 24 {
		return nil, fmt.Errorf("%w: %d", ErrBitDepth, opts.BitDepth)
	}

	var src *source
	rate := opts.SampleRate
	if in != nil {
		s, err := openSource(in)
		if err != nil {
			return nil, err
		}
		src = s
		rate = s.rate
	} else if opts.Frames <= 0 {
		return nil, ErrNoLength
	}
	if rate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrSampleRate, rate)
	}
	r.sched.SetSampleRate(float64(rate))

	tail := opts.Tail
	if tail == 0 {
		if settings, ok := r.sched.Settings(); ok {
			tail = settings.SamplesPerDispatch()
		}
	}

	dispatchedBefore, skippedBefore := r.sched.Stats()
	enc := wav.NewEncoder(out, rate, opts.BitDepth, types.NumRows, pcmFormat)
	snk := newSink(enc, rate, opts.BitDepth)
	var acc accumulator

	step := func(f types.Frame) error {
		o := r.sched.OnSample(f)
		acc.add(o)
		return snk.add(o)
	}

	frames := make([]types.Frame, chunkFrames)
	if src != nil {
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			n, err := src.read(frames)
			for i := 0; i < n; i++ {
				if werr := step(frames[i]); werr != nil {
					return nil, werr
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
		}
	} else {
		for done := 0; done < opts.Frames; done++ {
			if done%chunkFrames == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			if err := step(types.Frame{}); err != nil {
				return nil, err
			}
		}
	}

	for i := 0; i < tail; i++ {
		if err := step(types.Frame{}); err != nil {
			return nil, err
		}
	}

	if err := snk.flush(); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish WAV: %w", err)
	}

	dispatched, skipped := r.sched.Stats()
	stats := &Stats{
		Frames:     acc.n,
		SampleRate: rate,
		Dispatched: dispatched - dispatchedBefore,
		Skipped:    skipped - skippedBefore,
		Outputs:    acc.result(),
	}
	r.log.Info("Render finished",
		logger.WithField("frames", stats.Frames),
		logger.WithField("sample_rate", rate),
		logger.WithField("dispatched", stats.Dispatched))
	return stats, nil
}

// source reads interleaved PCM frames from a WAV decoder.
type source struct {
	dec      *wav.Decoder
	rate     int
	channels int
	scale    float32
	buf      *audio.IntBuffer
}

func openSource(r io.ReadSeeker) (*source, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	format := dec.Format()
	if format == nil || format.NumChannels == 0 {
		return nil, ErrNoChannels
	}

	var scale float32
	switch dec.BitDepth {
	case 8:
		scale = 128
	case 16:
		scale = 32768
	case 24:
		scale = 8388608
	case 32:
		scale = 2147483648
	default:
		return nil, fmt.Errorf("%w: %d", ErrBitDepth, dec.BitDepth)
	}

	return &source{
		dec:      dec,
		rate:     format.SampleRate,
		channels: format.NumChannels,
		scale:    scale,
		buf: &audio.IntBuffer{
			Format: format,
			Data:   make([]int, chunkFrames*format.NumChannels),
		},
	}, nil
}

// read fills dst with whole frames and returns io.EOF once the data runs out.
func (s *source) read(dst []types.Frame) (int, error) {
	want := len(dst) * s.channels
	if want > cap(s.buf.Data) {
		s.buf.Data = make([]int, want)
	}
	s.buf.Data = s.buf.Data[:want]

	n, err := s.dec.PCMBuffer(s.buf)
	frames := n / s.channels
	for f := 0; f < frames; f++ {
		var fr types.Frame
		base := f * s.channels
		for c := 0; c < s.channels && c < types.NumRows; c++ {
			fr[c] = float32(s.buf.Data[base+c]) / s.scale
		}
		dst[f] = fr
	}

	if err != nil && !errors.Is(err, io.EOF) {
		return frames, fmt.Errorf("failed to decode WAV: %w", err)
	}
	if n == 0 || n < want || errors.Is(err, io.EOF) {
		return frames, io.EOF
	}
	return frames, nil
}

// sink converts frames to PCM and writes them in chunks.
type sink struct {
	enc *wav.Encoder
	buf *audio.IntBuffer
	max float64
}

func newSink(enc *wav.Encoder, rate, bitDepth int) *sink {
	return &sink{
		enc: enc,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: types.NumRows, SampleRate: rate},
			Data:           make([]int, 0, chunkFrames*types.NumRows),
			SourceBitDepth: bitDepth,
		},
		max: float64(int(1)<<(bitDepth-1) - 1),
	}
}

func (s *sink) add(f types.Frame) error {
	for _, v := range f {
		x := math.Max(-1, math.Min(1, float64(v)))
		if math.IsNaN(x) {
			x = 0
		}
		s.buf.Data = append(s.buf.Data, int(math.Round(x*s.max)))
	}
	if len(s.buf.Data) >= chunkFrames*types.NumRows {
		return s.flush()
	}
	return nil
}

func (s *sink) flush() error {
	if len(s.buf.Data) == 0 {
		return nil
	}
	if err := s.enc.Write(s.buf); err != nil {
		return fmt.Errorf("failed to write WAV: %w", err)
	}
	s.buf.Data = s.buf.Data[:0]
	return nil
}
