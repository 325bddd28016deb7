// Package wav writes mono float waveforms as canonical 44-byte-header RIFF
// files and reads them back for inspection.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
)

const (
	HeaderSize  = 44
	ContentType = "audio/wav"

	formatPCM   = 1
	formatFloat = 3
)

// Encoding selects the sample representation written after the header.
type Encoding string

const (
	PCM16   Encoding = "pcm16"
	Float32 Encoding = "float32"
)

// ParseEncoding maps a configuration value to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case PCM16, Float32:
		return Encoding(s), nil
	}
	return "", fmt.Errorf("unknown wav encoding %q", s)
}

func (e Encoding) format() (code uint16, bits uint16) {
	if e == PCM16 {
		return formatPCM, 16
	}
	return formatFloat, 32
}

// Encode serializes mono samples at sampleRate. PCM16 clamps to [-1, 1] and
// scales negative values by 0x8000 and positive values by 0x7FFF; Float32
// writes samples unchanged.
func Encode(samples []float32, sampleRate int, enc Encoding) []byte {
	code, bits := enc.format()
	blockAlign := bits / 8
	dataSize := uint32(len(samples)) * uint32(blockAlign)

	buf := make([]byte, HeaderSize+int(dataSize))
	le := binary.LittleEndian
	copy(buf[0:], "RIFF")
	le.PutUint32(buf[4:], 36+dataSize)
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	le.PutUint32(buf[16:], 16)
	le.PutUint16(buf[20:], code)
	le.PutUint16(buf[22:], 1)
	le.PutUint32(buf[24:], uint32(sampleRate))
	le.PutUint32(buf[28:], uint32(sampleRate)*uint32(blockAlign))
	le.PutUint16(buf[32:], blockAlign)
	le.PutUint16(buf[34:], bits)
	copy(buf[36:], "data")
	le.PutUint32(buf[40:], dataSize)

	data := buf[HeaderSize:]
	if enc == PCM16 {
		for i, s := range samples {
			le.PutUint16(data[i*2:], uint16(toInt16(s)))
		}
		return buf
	}
	for i, s := range samples {
		le.PutUint32(data[i*4:], math.Float32bits(s))
	}
	return buf
}

func toInt16(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s >= 1:
		return 0x7FFF
	case s <= -1:
		return -0x8000
	case s < 0:
		return int16(s * 0x8000)
	default:
		return int16(s * 0x7FFF)
	}
}

// Info describes the header of a WAV stream.
type Info struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	ChunkSize     uint32
	DataSize      uint32
}

// Encoding reports the Encoding matching the header, if any.
func (i Info) Encoding() (Encoding, bool) {
	switch {
	case i.AudioFormat == formatPCM && i.BitsPerSample == 16:
		return PCM16, true
	case i.AudioFormat == formatFloat && i.BitsPerSample == 32:
		return Float32, true
	}
	return "", false
}

var ErrInvalidFile = errors.New("wav: not a valid RIFF/WAVE file")

// Inspect reads header fields from r.
func Inspect(r io.ReadSeeker) (Info, error) {
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return Info{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" || string(riffHeader[8:12]) != "WAVE" {
		return Info{}, ErrInvalidFile
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Info{}, err
	}

	d := gowav.NewDecoder(r)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return Info{}, fmt.Errorf("read wav header: %w", err)
	}
	if d.NumChans < 1 || d.BitDepth < 8 {
		return Info{}, ErrInvalidFile
	}
	if err := d.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("locate wav data: %w", err)
	}
	info := Info{
		AudioFormat:   d.WavAudioFormat,
		Channels:      d.NumChans,
		SampleRate:    d.SampleRate,
		ByteRate:      d.AvgBytesPerSec,
		BitsPerSample: d.BitDepth,
		DataSize:      uint32(d.PCMSize),
		ChunkSize:     binary.LittleEndian.Uint32(riffHeader[4:8]),
	}
	info.BlockAlign = info.Channels * info.BitsPerSample / 8
	return info, nil
}

// Decode reads a mono file produced by Encode back into float samples.
func Decode(data []byte) ([]float32, Info, error) {
	r := bytes.NewReader(data)
	info, err := Inspect(r)
	if err != nil {
		return nil, info, err
	}
	enc, ok := info.Encoding()
	if !ok || info.Channels != 1 {
		return nil, info, fmt.Errorf("wav: unsupported layout format=%d bits=%d channels=%d",
			info.AudioFormat, info.BitsPerSample, info.Channels)
	}
	if int(info.DataSize) > len(data)-HeaderSize {
		return nil, info, io.ErrUnexpectedEOF
	}

	if enc == PCM16 {
		d := gowav.NewDecoder(bytes.NewReader(data))
		buf, err := d.FullPCMBuffer()
		if err != nil {
			return nil, info, fmt.Errorf("decode pcm: %w", err)
		}
		return pcmToFloat(buf), info, nil
	}

	raw := data[len(data)-int(info.DataSize):]
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, info, nil
}

func pcmToFloat(buf *audio.IntBuffer) []float32 {
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out
}
