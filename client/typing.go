package client

import (
	"sync"
	"time"
)

// DefaultTypingQuiet is how long after the last keystroke the typing
// indicator is withdrawn.
const DefaultTypingQuiet = 3 * time.Second

type stopper interface{ Stop() bool }

// Typing debounces keystrokes into one start and one stop signal per burst.
type Typing struct {
	quiet time.Duration
	start func()
	stop  func()

	// afterFunc is time.AfterFunc outside of tests.
	afterFunc func(time.Duration, func()) stopper

	mu     sync.Mutex
	active bool
	timer  stopper
	gen    uint64
}

func NewTyping(quiet time.Duration, start, stop func()) *Typing {
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	return &Typing{
		quiet: quiet,
		start: start,
		stop:  stop,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Keystroke signals start on the first keystroke of a burst and rearms the
// quiet timer.
func (t *Typing) Keystroke() {
	t.mu.Lock()
	first := !t.active
	t.active = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.afterFunc(t.quiet, func() { t.expire(gen) })
	t.mu.Unlock()

	if first {
		t.start()
	}
}

// Done ends the burst immediately, as when the message is sent.
func (t *Typing) Done() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.stop()
}

// Active reports whether a start was signalled without a matching stop.
func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Typing) expire(gen uint64) {
	t.mu.Lock()
	if !t.active || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()

	t.stop()
}
