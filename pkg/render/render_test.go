package render_test

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/poltergeist/prototype/internal/scheduler"
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/mocks"
	"github.com/poltergeist/prototype/pkg/render"
	"github.com/poltergeist/prototype/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWAV writes a 16-bit file where every frame holds values.
func writeWAV(t *testing.T, path string, rate, frames int, values ...float64) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	data := make([]int, 0, frames*len(values))
	for i := 0; i < frames; i++ {
		for _, v := range values {
			data = append(data, int(math.Round(v*32767)))
		}
	}
	enc := wav.NewEncoder(f, rate, 16, len(values), 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: len(values), SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func readWAV(t *testing.T, path string) (*wav.Decoder, *audio.IntBuffer) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	return dec, buf
}

func newRenderer(t *testing.T, process func(*types.ProcessBlock) error) (*render.Renderer, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New(logger.Discard(), nil)
	fake := mocks.NewFakeAdapter("Fake", types.Settings{FrameDivider: 1, BufferSize: 1})
	fake.ProcessFunc = process
	require.NoError(t, sched.SetEngine(fake, "fake.js", "// fake"))
	return render.New(sched, logger.Discard()), sched
}

func TestRenderFile_Doubler(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.wav")
	out := filepath.Join(dir, "out.wav")
	writeWAV(t, in, 48000, 1000, 0.25, -0.5)

	r, sched := newRenderer(t, mocks.Doubler)
	stats, err := r.RenderFile(context.Background(), in, out, render.Options{Tail: -1})
	require.NoError(t, err)

	assert.Equal(t, 1000, stats.Frames)
	assert.Equal(t, 48000, stats.SampleRate)
	assert.EqualValues(t, 1000, stats.Dispatched)
	assert.Equal(t, 48000.0, sched.SampleRate())

	assert.InDelta(t, 0.5, stats.Outputs[0].Peak, 1e-3)
	assert.InDelta(t, 1.0, stats.Outputs[1].Peak, 1e-3)
	assert.Zero(t, stats.Outputs[1].Clipped)
	assert.Equal(t, render.SilenceDB, stats.Outputs[2].PeakDB)
	assert.InDelta(t, -6.02, stats.Outputs[0].PeakDB, 0.05)

	dec, buf := readWAV(t, out)
	assert.EqualValues(t, types.NumRows, dec.NumChans)
	assert.EqualValues(t, 48000, dec.SampleRate)
	assert.EqualValues(t, 16, dec.BitDepth)
	require.Len(t, buf.Data, 1000*types.NumRows)

	// the first frame is the empty buffer, the doubled input follows
	assert.Equal(t, 0, buf.Data[0])
	frame := buf.Data[types.NumRows*10 : types.NumRows*11]
	assert.InDelta(t, 16384, frame[0], 2)
	assert.InDelta(t, -32767, frame[1], 2)
	assert.Equal(t, 0, frame[2])
}

func TestRender_DefaultTailFlushesLastBuffer(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.wav")
	writeWAV(t, in, 44100, 100, 0.1)

	r, _ := newRenderer(t, mocks.Identity)
	stats, err := r.RenderFile(context.Background(), in, filepath.Join(dir, "out.wav"), render.Options{})
	require.NoError(t, err)
	assert.Equal(t, 101, stats.Frames)
}

func TestRender_ClipsOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.wav")
	out := filepath.Join(dir, "out.wav")
	writeWAV(t, in, 44100, 64, 0.9)

	r, _ := newRenderer(t, mocks.Doubler)
	stats, err := r.RenderFile(context.Background(), in, out, render.Options{Tail: -1, BitDepth: 24})
	require.NoError(t, err)

	assert.Equal(t, 63, stats.Outputs[0].Clipped)
	assert.Greater(t, stats.Outputs[0].Peak, 1.0)

	dec, buf := readWAV(t, out)
	assert.EqualValues(t, 24, dec.BitDepth)
	for _, v := range buf.Data {
		assert.LessOrEqual(t, v, 1<<23-1)
	}
}

func TestRender_Silence(t *testing.T) {
	r, _ := newRenderer(t, func(b *types.ProcessBlock) error {
		for i := range types.NumRows {
			b.OutputRow(i)[0] = 0.5
		}
		return nil
	})

	out := filepath.Join(t.TempDir(), "out.wav")
	stats, err := r.RenderFile(context.Background(), "", out, render.Options{Frames: 2048, SampleRate: 22050, Tail: -1})
	require.NoError(t, err)

	assert.Equal(t, 2048, stats.Frames)
	assert.Equal(t, 22050, stats.SampleRate)
	for i := range types.NumRows {
		assert.InDelta(t, 0.5, stats.Outputs[i].DC, 1e-3)
	}
}

func TestRender_Unloaded(t *testing.T) {
	r := render.New(scheduler.New(logger.Discard(), nil), nil)
	out := filepath.Join(t.TempDir(), "out.wav")

	stats, err := r.RenderFile(context.Background(), "", out, render.Options{Frames: 100})
	require.NoError(t, err)
	assert.Equal(t, 100, stats.Frames)
	assert.Zero(t, stats.Dispatched)
	assert.Equal(t, render.SilenceDB, stats.Outputs[0].RMSDB)
}

func TestRender_Errors(t *testing.T) {
	r, _ := newRenderer(t, mocks.Identity)
	dir := t.TempDir()

	_, err := r.RenderFile(context.Background(), "", filepath.Join(dir, "a.wav"), render.Options{})
	assert.ErrorIs(t, err, render.ErrNoLength)
	assert.NoFileExists(t, filepath.Join(dir, "a.wav"))

	_, err = r.RenderFile(context.Background(), "", filepath.Join(dir, "b.wav"), render.Options{Frames: 10, BitDepth: 12})
	assert.ErrorIs(t, err, render.ErrBitDepth)

	notWAV := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notWAV, []byte("definitely not RIFF data"), 0o644))
	_, err = r.RenderFile(context.Background(), notWAV, filepath.Join(dir, "c.wav"), render.Options{})
	assert.ErrorIs(t, err, render.ErrNotWAV)

	_, err = r.RenderFile(context.Background(), filepath.Join(dir, "missing.wav"), filepath.Join(dir, "d.wav"), render.Options{})
	assert.Error(t, err)
}

func TestRender_Cancelled(t *testing.T) {
	r, _ := newRenderer(t, mocks.Identity)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Render(ctx, nil, &seekBuffer{}, render.Options{Frames: 10000})
	assert.ErrorIs(t, err, context.Canceled)
}

// seekBuffer is an in-memory io.WriteSeeker.
type seekBuffer struct {
	buf bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	data := s.buf.Bytes()
	if s.pos == len(data) {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}
	n := copy(data[s.pos:], p)
	if n < len(p) {
		s.buf.Write(p[n:])
	}
	s.pos += len(p)
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		s.pos = int(offset)
	case 1:
		s.pos += int(offset)
	case 2:
		s.pos = s.buf.Len() + int(offset)
	}
	return int64(s.pos), nil
}
