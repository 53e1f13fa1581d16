// Package typing tracks compose activity in both directions: the local
// user's, which it announces with debounced start/stop frames, and each
// partner's, which it exposes as an eventually consistent flag.
package typing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mahaj/livechat/pkg/socket"
	"github.com/mahaj/livechat/pkg/wire"
)

const (
	DefaultDebounce = 1200 * time.Millisecond
	DefaultCeiling  = 5 * time.Second
)

// Sender transmits frames. It is called with the tracker's lock held and
// must not block.
type Sender interface {
	Send(wire.Outbound) error
}

type Option func(*Tracker)

// WithDebounce sets the silence after which local typing stops.
func WithDebounce(d time.Duration) Option { return func(t *Tracker) { t.debounce = d } }

// WithCeiling sets how long a remote start stays valid without a stop.
func WithCeiling(d time.Duration) Option { return func(t *Tracker) { t.ceiling = d } }

func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// WithOnChange is called, outside the lock, when a partner's typing flag flips.
func WithOnChange(fn func(partner string, typing bool)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

type Tracker struct {
	local    string
	sender   Sender
	debounce time.Duration
	ceiling  time.Duration
	logger   *slog.Logger
	onChange func(partner string, typing bool)

	mu  sync.Mutex
	gen uint64
	// Keyed by partner. An entry exists only while its timer is armed.
	outgoing map[string]*timerState
	incoming map[string]*timerState
}

// timerState pairs a timer with the generation that armed it, so a timer
// that fires after being replaced does nothing.
type timerState struct {
	timer *time.Timer
	gen   uint64
}

func New(local string, sender Sender, opts ...Option) *Tracker {
	t := &Tracker{
		local:    local,
		sender:   sender,
		debounce: DefaultDebounce,
		ceiling:  DefaultCeiling,
		outgoing: make(map[string]*timerState),
		incoming: make(map[string]*timerState),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// arm (re)starts the timer of key in states and returns the entry and
// whether it already existed.
func (t *Tracker) arm(states map[string]*timerState, key string, d time.Duration, fire func(key string, gen uint64)) bool {
	st, existed := states[key]
	if existed {
		st.timer.Stop()
	} else {
		st = &timerState{}
		states[key] = st
	}
	t.gen++
	gen := t.gen
	st.gen = gen
	st.timer = time.AfterFunc(d, func() { fire(key, gen) })
	return existed
}

// NoteLocalActivity records a keystroke in the conversation with partner.
// The first call since the last stop sends a typing start; every call pushes
// the automatic stop back by the debounce window.
func (t *Tracker) NoteLocalActivity(partner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.arm(t.outgoing, partner, t.debounce, t.expireLocal) {
		return nil
	}
	if err := t.sender.Send(wire.TypingStart{Sender: t.local, Receiver: partner}); err != nil {
		t.outgoing[partner].timer.Stop()
		delete(t.outgoing, partner)
		t.logger.Warn("typing start not sent", "partner", partner, "error", err)
		return err
	}
	return nil
}

// StopLocalActivity sends a typing stop now if local typing is active.
func (t *Tracker) StopLocalActivity(partner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.outgoing[partner]
	if !ok {
		return nil
	}
	st.timer.Stop()
	return t.stopLocked(partner)
}

func (t *Tracker) expireLocal(partner string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.outgoing[partner]
	if !ok || st.gen != gen {
		return
	}
	t.stopLocked(partner)
}

func (t *Tracker) stopLocked(partner string) error {
	delete(t.outgoing, partner)
	err := t.sender.Send(wire.TypingStop{Sender: t.local, Receiver: partner})
	if err != nil {
		t.logger.Warn("typing stop not sent", "partner", partner, "error", err)
	}
	return err
}

// IsLocalTyping reports whether a start has been sent to partner without a
// stop yet.
func (t *Tracker) IsLocalTyping(partner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.outgoing[partner]
	return ok
}

// IsTyping reports whether partner is currently composing to the local user.
func (t *Tracker) IsTyping(partner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.incoming[partner]
	return ok
}

// HandleEvent is the bus handler of the tracker.
func (t *Tracker) HandleEvent(ev socket.Event) {
	if p, ok := ev.(wire.Presence); ok {
		t.OnPresence(p)
	}
}

// OnPresence applies a remote typing notification. A start arms the ceiling
// timer; repeated starts re-arm it.
func (t *Tracker) OnPresence(p wire.Presence) {
	switch p.Kind {
	case wire.PresenceTypingStart:
		t.mu.Lock()
		existed := t.arm(t.incoming, p.Sender, t.ceiling, t.expireRemote)
		t.mu.Unlock()
		if !existed {
			t.notify(p.Sender, true)
		}
	case wire.PresenceTypingStop:
		t.clearRemote(p.Sender, 0)
	default:
		t.logger.Warn("unknown presence kind", "kind", p.Kind, "sender", p.Sender)
	}
}

func (t *Tracker) expireRemote(partner string, gen uint64) {
	t.logger.Debug("typing indicator expired", "partner", partner)
	t.clearRemote(partner, gen)
}

// clearRemote drops the remote flag of partner. A non-zero gen must match
// the armed timer.
func (t *Tracker) clearRemote(partner string, gen uint64) {
	t.mu.Lock()
	st, ok := t.incoming[partner]
	if !ok || (gen != 0 && st.gen != gen) {
		t.mu.Unlock()
		return
	}
	st.timer.Stop()
	delete(t.incoming, partner)
	t.mu.Unlock()

	t.notify(partner, false)
}

// Close cancels every timer of the conversation with partner without
// sending anything.
func (t *Tracker) Close(partner string) {
	t.mu.Lock()
	if st, ok := t.outgoing[partner]; ok {
		st.timer.Stop()
		delete(t.outgoing, partner)
	}
	st, remote := t.incoming[partner]
	if remote {
		st.timer.Stop()
		delete(t.incoming, partner)
	}
	t.mu.Unlock()

	if remote {
		t.notify(partner, false)
	}
}

// StopAll cancels every timer. Nothing is sent.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	for partner, st := range t.outgoing {
		st.timer.Stop()
		delete(t.outgoing, partner)
	}
	var cleared []string
	for partner, st := range t.incoming {
		st.timer.Stop()
		delete(t.incoming, partner)
		cleared = append(cleared, partner)
	}
	t.mu.Unlock()

	for _, partner := range cleared {
		t.notify(partner, false)
	}
}

func (t *Tracker) notify(partner string, typing bool) {
	if t.onChange != nil {
		t.onChange(partner, typing)
	}
}
