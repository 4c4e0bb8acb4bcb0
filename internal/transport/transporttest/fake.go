// Package transporttest provides a scripted in-memory transport.Port that
// replays canned adapter output, so sessions, transactions and scans can be
// exercised without hardware.
package transporttest

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Reply describes what the fake adapter emits after one command.
type Reply struct {
	// Chunks are delivered one per Read call (a Read never merges chunks).
	Chunks []string
	// Gap delays every chunk after the first.
	Gap time.Duration
	// Delay postpones the first chunk.
	Delay time.Duration
}

// Text is a single-chunk reply.
func Text(s string) Reply { return Reply{Chunks: []string{s}} }

// Silent is a reply that never produces bytes.
func Silent() Reply { return Reply{} }

// Handler maps a written command (CR stripped) to the adapter output.
type Handler func(cmd string) Reply

// Canon uppercases and strips whitespace; scripted command keys are compared in this form.
func Canon(cmd string) string {
	return strings.ToUpper(strings.Join(strings.Fields(cmd), ""))
}

// Script returns a Handler answering from m (keys canonicalized with Canon).
// Unknown commands get "?\r\r>" like a real ELM327.
func Script(m map[string]Reply) Handler {
	cm := make(map[string]Reply, len(m))
	for k, v := range m {
		cm[Canon(k)] = v
	}
	return func(cmd string) Reply {
		if r, ok := cm[Canon(cmd)]; ok {
			return r
		}
		return Text("?\r\r>")
	}
}

// ErrClosed is returned by a Fake after Close.
var ErrClosed = errors.New("transporttest: port closed")

type pending struct {
	data []byte
	at   time.Time
}

// Fake implements transport.Port.
type Fake struct {
	mu      sync.Mutex
	handler Handler
	line    []byte
	queue   []pending
	writes  []string
	closed  bool
	resets  int

	// ReadErr, when set, is returned by every Read once the queue is empty.
	ReadErr error
	// WriteErr, when set, is returned by Write.
	WriteErr error
}

// New returns a Fake driven by h.
func New(h Handler) *Fake { return &Fake{handler: h} }

func (f *Fake) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.WriteErr != nil {
		return 0, f.WriteErr
	}
	for _, b := range p {
		if b != '\r' {
			f.line = append(f.line, b)
			continue
		}
		cmd := string(f.line)
		f.line = f.line[:0]
		f.writes = append(f.writes, cmd)
		if f.handler == nil {
			continue
		}
		r := f.handler(cmd)
		at := time.Now().Add(r.Delay)
		for i, c := range r.Chunks {
			if i > 0 {
				at = at.Add(r.Gap)
			}
			f.queue = append(f.queue, pending{data: []byte(c), at: at})
		}
	}
	return len(p), nil
}

// Read returns the next due chunk, or (0, nil) when nothing is due yet.
func (f *Fake) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if len(f.queue) == 0 {
		if f.ReadErr != nil {
			return 0, f.ReadErr
		}
		return 0, nil
	}
	head := &f.queue[0]
	if time.Now().Before(head.at) {
		return 0, nil
	}
	n := copy(p, head.data)
	head.data = head.data[n:]
	if len(head.data) == 0 {
		f.queue = f.queue[1:]
	}
	return n, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// ResetInputBuffer drops chunks that are already due.
func (f *Fake) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	now := time.Now()
	i := 0
	for i < len(f.queue) && !now.Before(f.queue[i].at) {
		i++
	}
	f.queue = f.queue[i:]
	return nil
}

// Writes returns the commands written so far, CR stripped.
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Resets reports how many times ResetInputBuffer ran.
func (f *Fake) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}
