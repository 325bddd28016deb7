package segment

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
)

// ErrClosed is returned by Push once the assembler has been closed.
var ErrClosed = errors.New("segment: assembler closed")

var boundary = regexp.MustCompile(`[.!?]\s+`)

// Assembler buffers incrementally pushed text and emits segments as soon as
// sentence boundaries are seen. Consumers read segments through Iter or
// Segments while producers are still pushing.
type Assembler struct {
	maxLen int

	mu      sync.Mutex
	pending string
	emitted []string
	closed  bool
	changed chan struct{}
}

func NewAssembler(maxLen int) *Assembler {
	if maxLen < 2 {
		maxLen = DefaultMaxLength
	}
	return &Assembler{maxLen: maxLen, changed: make(chan struct{})}
}

// Push appends text to the pending buffer. Every complete sentence in the
// buffer is segmented and emitted; the trailing fragment stays buffered.
func (a *Assembler) Push(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	buf := a.pending + text
	start := 0
	var added bool
	for _, loc := range boundary.FindAllStringIndex(buf, -1) {
		added = a.emit(buf[start:loc[0]+1]) || added
		start = loc[1]
	}
	a.pending = buf[start:]
	if added {
		a.notify()
	}
	return nil
}

// Flush segments whatever is buffered regardless of punctuation.
func (a *Assembler) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

// Close flushes and stops accepting pushes. Close is idempotent.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.flushLocked()
	a.closed = true
	a.notify()
}

// Closed reports whether Close has been called.
func (a *Assembler) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Emitted returns a snapshot of the segments emitted so far.
func (a *Assembler) Emitted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.emitted...)
}

func (a *Assembler) flushLocked() {
	fragment := a.pending
	a.pending = ""
	if a.emit(fragment) {
		a.notify()
	}
}

// emit segments one fragment. When cleaning leaves nothing, the trimmed
// fragment itself is used. Callers hold a.mu.
func (a *Assembler) emit(fragment string) bool {
	chunks := Chunk(fragment, a.maxLen)
	if chunks == nil {
		trimmed := strings.TrimSpace(fragment)
		if trimmed == "" {
			return false
		}
		chunks = []string{trimmed}
	}
	a.emitted = append(a.emitted, chunks...)
	return true
}

func (a *Assembler) notify() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// Iter returns an iterator positioned at the first emitted segment.
func (a *Assembler) Iter() *Iterator {
	return &Iterator{a: a}
}

// Segments streams every segment from the beginning until the assembler is
// closed and drained or ctx is done.
func (a *Assembler) Segments(ctx context.Context) <-chan string {
	out := make(chan string)
	it := a.Iter()
	go func() {
		defer close(out)
		for {
			seg, err := it.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- seg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Iterator walks the emission queue of one Assembler.
type Iterator struct {
	a    *Assembler
	next int
}

// Next blocks until a segment is available. It returns io.EOF once the
// assembler is closed and every segment has been returned, or ctx.Err().
func (it *Iterator) Next(ctx context.Context) (string, error) {
	for {
		it.a.mu.Lock()
		if it.next < len(it.a.emitted) {
			seg := it.a.emitted[it.next]
			it.next++
			it.a.mu.Unlock()
			return seg, nil
		}
		if it.a.closed {
			it.a.mu.Unlock()
			return "", io.EOF
		}
		wait := it.a.changed
		it.a.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
