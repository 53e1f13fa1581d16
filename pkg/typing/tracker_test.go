package typing_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/livechat/pkg/typing"
	"github.com/mahaj/livechat/pkg/wire"
)

const (
	debounce = 50 * time.Millisecond
	ceiling  = 40 * time.Millisecond
	waitFor  = time.Second
	tick     = 2 * time.Millisecond
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Outbound
	err  error
}

func (f *fakeSender) Send(o wire.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, o)
	return nil
}

func (f *fakeSender) count(dest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.sent {
		if o.Destination() == dest {
			n++
		}
	}
	return n
}

func newTracker(s typing.Sender, opts ...typing.Option) *typing.Tracker {
	base := []typing.Option{
		typing.WithDebounce(debounce),
		typing.WithCeiling(ceiling),
		typing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return typing.New("alice", s, append(base, opts...)...)
}

func TestLocalActivityDebounced(t *testing.T) {
	s := &fakeSender{}
	tr := newTracker(s)

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.NoteLocalActivity("bob"))
		time.Sleep(debounce / 5)
	}
	assert.Equal(t, 1, s.count(wire.DestTyping))
	assert.True(t, tr.IsLocalTyping("bob"))

	require.Eventually(t, func() bool { return s.count(wire.DestStopTyping) == 1 }, waitFor, tick)
	time.Sleep(3 * debounce)
	assert.Equal(t, 1, s.count(wire.DestStopTyping), "exactly one stop per burst")
	assert.False(t, tr.IsLocalTyping("bob"))

	require.NoError(t, tr.NoteLocalActivity("bob"))
	assert.Equal(t, 2, s.count(wire.DestTyping), "a new burst starts again")
}

func TestStopLocalActivity(t *testing.T) {
	s := &fakeSender{}
	tr := newTracker(s)

	require.NoError(t, tr.StopLocalActivity("bob"))
	assert.Zero(t, s.count(wire.DestStopTyping), "nothing to stop")

	require.NoError(t, tr.NoteLocalActivity("bob"))
	require.NoError(t, tr.StopLocalActivity("bob"))
	time.Sleep(3 * debounce)

	assert.Equal(t, []wire.Outbound{
		wire.TypingStart{Sender: "alice", Receiver: "bob"},
		wire.TypingStop{Sender: "alice", Receiver: "bob"},
	}, s.sent)
}

func TestStartFailureIsRetried(t *testing.T) {
	s := &fakeSender{err: errors.New("not connected")}
	tr := newTracker(s)

	assert.Error(t, tr.NoteLocalActivity("bob"))
	assert.False(t, tr.IsLocalTyping("bob"))

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	require.NoError(t, tr.NoteLocalActivity("bob"))
	assert.Equal(t, 1, s.count(wire.DestTyping))
}

func TestCloseCancelsPendingStop(t *testing.T) {
	s := &fakeSender{}
	tr := newTracker(s)

	require.NoError(t, tr.NoteLocalActivity("bob"))
	tr.Close("bob")
	time.Sleep(3 * debounce)

	assert.Zero(t, s.count(wire.DestStopTyping))
	assert.False(t, tr.IsLocalTyping("bob"))
}

func TestRemoteTyping(t *testing.T) {
	var mu sync.Mutex
	var flips []bool
	tr := newTracker(&fakeSender{}, typing.WithOnChange(func(partner string, on bool) {
		mu.Lock()
		flips = append(flips, on)
		mu.Unlock()
	}))

	tr.HandleEvent(wire.Presence{Kind: wire.PresenceTypingStart, Sender: "bob"})
	tr.HandleEvent(wire.Presence{Kind: wire.PresenceTypingStart, Sender: "bob"})
	assert.True(t, tr.IsTyping("bob"))
	assert.False(t, tr.IsTyping("carol"))

	tr.HandleEvent(wire.Presence{Kind: wire.PresenceTypingStop, Sender: "bob"})
	assert.False(t, tr.IsTyping("bob"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, flips)
}

func TestRemoteTypingCeiling(t *testing.T) {
	tr := newTracker(&fakeSender{})

	tr.OnPresence(wire.Presence{Kind: wire.PresenceTypingStart, Sender: "bob"})
	require.True(t, tr.IsTyping("bob"))

	// No stop ever arrives.
	require.Eventually(t, func() bool { return !tr.IsTyping("bob") }, waitFor, tick)
}

func TestRepeatedStartExtendsCeiling(t *testing.T) {
	tr := newTracker(&fakeSender{})

	start := time.Now()
	for time.Since(start) < 2*ceiling {
		tr.OnPresence(wire.Presence{Kind: wire.PresenceTypingStart, Sender: "bob"})
		time.Sleep(ceiling / 4)
	}
	assert.True(t, tr.IsTyping("bob"))
}

func TestStopAll(t *testing.T) {
	s := &fakeSender{}
	tr := newTracker(s)

	require.NoError(t, tr.NoteLocalActivity("bob"))
	require.NoError(t, tr.NoteLocalActivity("carol"))
	tr.OnPresence(wire.Presence{Kind: wire.PresenceTypingStart, Sender: "dave"})

	tr.StopAll()
	time.Sleep(3 * debounce)

	assert.Zero(t, s.count(wire.DestStopTyping))
	assert.False(t, tr.IsTyping("dave"))
	assert.False(t, tr.IsLocalTyping("bob"))
}
