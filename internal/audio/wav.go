package audio

import (
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitsPerSample = 16
	formatPCM     = 1
	formatFloat   = 3
)

var ErrInvalidWAV = errors.New("invalid wav data")

// Buffer holds interleaved float samples in [-1, 1].
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    []float32
}

// Frames is the number of sample frames (one sample per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels == 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration is the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate == 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Encode serializes the buffer as a 16-bit PCM RIFF/WAVE file.
func Encode(b *Buffer) ([]byte, error) {
	pcm := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: b.Channels, SampleRate: b.SampleRate},
		Data:           make([]int, len(b.Samples)),
		SourceBitDepth: bitsPerSample,
	}
	for i, s := range b.Samples {
		pcm.Data[i] = int(toPCM16(s))
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, b.SampleRate, bitsPerSample, b.Channels, formatPCM)
	if err := enc.Write(pcm); err != nil {
		return nil, fmt.Errorf("write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finish wav: %w", err)
	}
	return out.buf, nil
}

// toPCM16 clips to [-1,1] and scales asymmetrically so that both
// extremes are representable.
func toPCM16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

func fromPCM16(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// Decode reads a RIFF/WAVE stream with 8/16/24/32-bit integer PCM or
// 32-bit float samples.
func Decode(r io.ReadSeeker) (*Buffer, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header or fmt chunk", ErrInvalidWAV)
	}
	ieee := d.WavAudioFormat == formatFloat
	bits := int(d.BitDepth)
	if !supportedDepth(bits, ieee) {
		return nil, fmt.Errorf("%w: unsupported encoding format=%d bits=%d", ErrInvalidWAV, d.WavAudioFormat, bits)
	}

	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if pcm == nil || pcm.Format == nil {
		return nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
	}
	channels := pcm.Format.NumChannels

	// Drop any trailing partial frame.
	n := len(pcm.Data) - len(pcm.Data)%channels
	samples := make([]float32, n)
	for i, v := range pcm.Data[:n] {
		samples[i] = sampleValue(v, bits, ieee)
	}
	return &Buffer{SampleRate: pcm.Format.SampleRate, Channels: channels, Samples: samples}, nil
}

func supportedDepth(bits int, ieee bool) bool {
	if ieee {
		return bits == 32
	}
	switch bits {
	case 8, 16, 24, 32:
		return true
	}
	return false
}

// sampleValue maps a decoded integer sample to [-1, 1]. 8-bit PCM is
// unsigned; float samples arrive as their raw bit pattern.
func sampleValue(v, bits int, ieee bool) float32 {
	switch {
	case ieee:
		return math.Float32frombits(uint32(v))
	case bits == 8:
		return (float32(v) - 128) / 128
	case bits == 16:
		return fromPCM16(int16(v))
	case bits == 24:
		return float32(v) / (1 << 23)
	default:
		return float32(v) / (1 << 31)
	}
}

// seekBuffer is an in-memory io.WriteSeeker. The wav encoder seeks back
// to patch the chunk sizes once the samples are written.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if end := s.pos + len(p); end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:], p)
	s.pos += len(p)
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(s.pos) + offset
	case io.SeekEnd:
		abs = int64(len(s.buf)) + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("seek: negative position")
	}
	s.pos = int(abs)
	return abs, nil
}
