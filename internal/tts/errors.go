package tts

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the outward classification of a synthesis failure.
type Kind string

const (
	KindPhonemization Kind = "phonemization"
	KindGeneral       Kind = "general"
)

// ModelLoadError means a backend could not be initialized.
type ModelLoadError struct {
	Backend string
	Asset   string
	Err     error
}

func (e *ModelLoadError) Error() string {
	if e.Asset != "" {
		return fmt.Sprintf("load %s model: %s: %v", e.Backend, e.Asset, e.Err)
	}
	return fmt.Sprintf("load %s model: %v", e.Backend, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// PhonemizationError means the phonemizer failed for a segment. It usually
// points at a missing or incompatible espeak-ng rather than a transient fault.
type PhonemizationError struct {
	Err error
}

func (e *PhonemizationError) Error() string {
	return fmt.Sprintf("Phonemization failed: %v", e.Err)
}

func (e *PhonemizationError) Unwrap() error { return e.Err }

// InferenceError means the model failed to run for a segment.
type InferenceError struct {
	Backend string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference: %v", e.Backend, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// AudioProcessingError means post-merge processing failed. It is terminal
// for the request.
type AudioProcessingError struct {
	Err error
}

func (e *AudioProcessingError) Error() string {
	return fmt.Sprintf("audio processing: %v", e.Err)
}

func (e *AudioProcessingError) Unwrap() error { return e.Err }

// Classify maps an error to its outward Kind. Besides PhonemizationError,
// messages mentioning the phonemizer or espeak are treated as phonemization
// failures.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var perr *PhonemizationError
	if errors.As(err, &perr) {
		return KindPhonemization
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "phonemiz") || strings.Contains(msg, "espeak") || strings.Contains(msg, "phoneme") {
		return KindPhonemization
	}
	return KindGeneral
}
