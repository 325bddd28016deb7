package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestEncodeFloat32Header(t *testing.T) {
	buf := Encode([]float32{0, 0.5, -0.5, 1, -1}, 24000, Float32)
	if len(buf) != 64 {
		t.Fatalf("expected 64 bytes, got %d", len(buf))
	}
	le := binary.LittleEndian
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" || string(buf[12:16]) != "fmt " || string(buf[36:40]) != "data" {
		t.Fatalf("unexpected chunk ids")
	}
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"ChunkSize", le.Uint32(buf[4:]), 56},
		{"Subchunk1Size", le.Uint32(buf[16:]), 16},
		{"AudioFormat", uint32(le.Uint16(buf[20:])), 3},
		{"NumChannels", uint32(le.Uint16(buf[22:])), 1},
		{"SampleRate", le.Uint32(buf[24:]), 24000},
		{"ByteRate", le.Uint32(buf[28:]), 96000},
		{"BlockAlign", uint32(le.Uint16(buf[32:])), 4},
		{"BitsPerSample", uint32(le.Uint16(buf[34:])), 32},
		{"Subchunk2Size", le.Uint32(buf[40:]), 20},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: expected %d, got %d", c.name, c.want, c.got)
		}
	}
	if got := math.Float32frombits(le.Uint32(buf[44+4:])); got != 0.5 {
		t.Fatalf("expected raw float sample 0.5, got %v", got)
	}
}

func TestInspectRoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1}
	info, err := Inspect(bytes.NewReader(Encode(samples, 24000, Float32)))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	want := Info{
		AudioFormat:   3,
		Channels:      1,
		SampleRate:    24000,
		ByteRate:      96000,
		BlockAlign:    4,
		BitsPerSample: 32,
		ChunkSize:     56,
		DataSize:      20,
	}
	if info != want {
		t.Fatalf("expected %+v, got %+v", want, info)
	}
	if enc, ok := info.Encoding(); !ok || enc != Float32 {
		t.Fatalf("expected float32 encoding, got %q", enc)
	}

	decoded, _, err := Decode(Encode(samples, 24000, Float32))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, samples[i], decoded[i])
		}
	}
}

func TestEncodePCM16(t *testing.T) {
	buf := Encode([]float32{0, 1, -1, 2, -2, 0.5, float32(math.NaN())}, 22050, PCM16)
	le := binary.LittleEndian
	if len(buf) != HeaderSize+14 {
		t.Fatalf("expected %d bytes, got %d", HeaderSize+14, len(buf))
	}
	if le.Uint16(buf[20:]) != 1 || le.Uint16(buf[34:]) != 16 || le.Uint16(buf[32:]) != 2 {
		t.Fatalf("unexpected pcm format fields")
	}
	if le.Uint32(buf[4:]) != 36+14 || le.Uint32(buf[40:]) != 14 {
		t.Fatalf("unexpected size fields")
	}
	if le.Uint32(buf[28:]) != 44100 {
		t.Fatalf("expected byte rate 44100, got %d", le.Uint32(buf[28:]))
	}
	want := []int16{0, 0x7FFF, -0x8000, 0x7FFF, -0x8000, 16383, 0}
	for i, w := range want {
		if got := int16(le.Uint16(buf[HeaderSize+i*2:])); got != w {
			t.Fatalf("sample %d: expected %d, got %d", i, w, got)
		}
	}
}

func TestDecodePCM16(t *testing.T) {
	samples := []float32{0, 0.25, -0.25, 1, -1}
	decoded, info, err := Decode(Encode(samples, 16000, PCM16))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.SampleRate != 16000 || info.BitsPerSample != 16 || info.AudioFormat != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if math.Abs(float64(decoded[i]-samples[i])) > 1.0/0x7FFF {
			t.Fatalf("sample %d: expected %v, got %v", i, samples[i], decoded[i])
		}
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	_, err := Inspect(bytes.NewReader([]byte("definitely not a wave file at all")))
	if !errors.Is(err, ErrInvalidFile) {
		t.Fatalf("expected ErrInvalidFile, got %v", err)
	}
}

func TestParseEncoding(t *testing.T) {
	if enc, err := ParseEncoding("pcm16"); err != nil || enc != PCM16 {
		t.Fatalf("unexpected result %q %v", enc, err)
	}
	if _, err := ParseEncoding("alaw"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}
