package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// FetchAsset fetches url through f, reporting failures as ModelLoadError.
func FetchAsset(ctx context.Context, f Fetcher, backend, url string) ([]byte, error) {
	if f == nil {
		return nil, &ModelLoadError{Backend: backend, Asset: url, Err: errors.New("no fetcher configured")}
	}
	data, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, &ModelLoadError{Backend: backend, Asset: url, Err: err}
	}
	return data, nil
}

// Validate reports missing collaborators.
func (d Deps) Validate() error {
	switch {
	case d.Fetcher == nil:
		return errors.New("fetcher is required")
	case d.Phonemizer == nil:
		return errors.New("phonemizer is required")
	case d.Inference == nil:
		return errors.New("inference factory is required")
	case d.Logger == nil:
		return errors.New("logger is required")
	}
	return nil
}

// SpeedOrDefault returns the requested speed, or 1 when unset or not positive.
func (o Options) SpeedOrDefault() float64 {
	if o.Speed <= 0 {
		return 1
	}
	return o.Speed
}

// Vocab maps single phoneme characters to token ids.
type Vocab map[rune]int64

// ParseVocab reads model.vocab from a tokenizer.json document. Entries whose
// key is not exactly one character are ignored.
func ParseVocab(data []byte) (Vocab, error) {
	var doc struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode tokenizer: %w", err)
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, errors.New("tokenizer has no vocabulary")
	}
	v := make(Vocab, len(doc.Model.Vocab))
	for key, id := range doc.Model.Vocab {
		if utf8.RuneCountInString(key) != 1 {
			continue
		}
		r, _ := utf8.DecodeRuneInString(key)
		v[r] = id
	}
	return v, nil
}

// Encode maps each rune of s to its id, substituting unknown for runes the
// vocabulary lacks.
func (v Vocab) Encode(s string, unknown int64) []int64 {
	ids := make([]int64, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		id, ok := v[r]
		if !ok {
			id = unknown
		}
		ids = append(ids, id)
	}
	return ids
}
