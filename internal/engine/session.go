// Package engine owns the live backend session of a worker and turns a
// segment stream into merged, post-processed WAV audio.
package engine

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/inference"
	"github.com/loqalabs/loqa-tts/internal/modelcache"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/tts/kitten"
	"github.com/loqalabs/loqa-tts/internal/tts/kokoro"
	"github.com/loqalabs/loqa-tts/internal/tts/piper"
)

// Kind names a backend family.
type Kind string

const (
	Kitten Kind = "kitten"
	Piper  Kind = "piper"
	Kokoro Kind = "kokoro"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Kitten, Piper, Kokoro:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown model type: %s", s)
}

// Session is one loaded backend.
type Session struct {
	Kind    Kind
	Backend tts.Backend
}

// Device reports where the backend's primary session runs.
func (s *Session) Device() inference.Device {
	return s.Backend.Info().Device
}

func (s *Session) Voices() []tts.Voice {
	return s.Backend.Voices()
}

func (s *Session) Close() error {
	if s == nil || s.Backend == nil {
		return nil
	}
	return s.Backend.Close()
}

// RequestedDevice maps the use_gpu flag to a device. Piper voices always run
// on the CPU.
func RequestedDevice(kind Kind, useGPU bool) inference.Device {
	if useGPU && kind != Piper {
		return inference.GPU
	}
	return inference.CPU
}

// Open loads the backend of the given kind with asset paths resolved
// against models.BaseURL.
func Open(ctx context.Context, kind Kind, useGPU bool, models config.ModelsConfig, deps tts.Deps) (*Session, error) {
	device := RequestedDevice(kind, useGPU)
	base := models.BaseURL

	var backend tts.Backend
	switch kind {
	case Kitten:
		a := models.Kitten
		a.Model = modelcache.Join(base, a.Model)
		a.Voices = modelcache.Join(base, a.Voices)
		a.Tokenizer = modelcache.Join(base, a.Tokenizer)
		m, err := kitten.Load(ctx, a, device, deps)
		if err != nil {
			return nil, err
		}
		backend = m
	case Piper:
		a := models.Piper
		a.Model = modelcache.Join(base, a.Model)
		a.Config = modelcache.Join(base, a.Config)
		m, err := piper.Load(ctx, a, device, deps)
		if err != nil {
			return nil, err
		}
		backend = m
	case Kokoro:
		a := models.Kokoro
		a.Model = modelcache.Join(base, a.Model)
		a.Tokenizer = modelcache.Join(base, a.Tokenizer)
		a.VoiceDir = modelcache.Join(base, a.VoiceDir)
		m, err := kokoro.Load(ctx, a, device, deps)
		if err != nil {
			return nil, err
		}
		backend = m
	default:
		return nil, fmt.Errorf("unknown model type: %s", kind)
	}
	return &Session{Kind: kind, Backend: backend}, nil
}
