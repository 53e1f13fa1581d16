// Package inbox keeps the per-partner conversation summaries of a session.
package inbox

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/socket"
	"github.com/mahaj/livechat/pkg/wire"
)

type Option func(*Aggregator)

func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// WithOnChange is called, outside the lock, after any row changes.
func WithOnChange(fn func()) Option { return func(a *Aggregator) { a.onChange = fn } }

// Aggregator maintains one row per partner: the last message exchanged and
// how many inbound messages have not been read.
type Aggregator struct {
	local    string
	logger   *slog.Logger
	onChange func()

	mu     sync.Mutex
	rows   map[string]*model.InboxRow
	recent map[string][]liveMessage
	active string
}

// recentLimit bounds the live deliveries remembered per partner.
const recentLimit = 64

// liveMessage is a delivery seen on the socket. unread tells whether it
// still counts towards the partner's unread count.
type liveMessage struct {
	msg    model.Message
	unread bool
}

func New(local string, opts ...Option) *Aggregator {
	a := &Aggregator{
		local:  local,
		rows:   make(map[string]*model.InboxRow),
		recent: make(map[string][]liveMessage),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Load replaces every row with the snapshot, then reapplies live
// deliveries the snapshot does not include yet: those newer than the row's
// stored last message.
func (a *Aggregator) Load(rows []model.InboxRow) {
	a.mu.Lock()
	a.rows = make(map[string]*model.InboxRow, len(rows))
	for _, r := range rows {
		if r.Partner == "" || r.Partner == a.local {
			continue
		}
		row := model.InboxRow{Partner: r.Partner, UnreadCount: r.UnreadCount}
		if r.LastMessage != nil {
			m := *r.LastMessage
			row.LastMessage = &m
		}
		if row.Partner == a.active {
			row.UnreadCount = 0
		}
		a.rows[r.Partner] = &row
	}
	for partner, live := range a.recent {
		a.mergeLocked(partner, live)
	}
	n := len(a.rows)
	a.mu.Unlock()

	a.logger.Debug("inbox loaded", "rows", n)
	a.changed()
}

func (a *Aggregator) mergeLocked(partner string, live []liveMessage) {
	var stored *model.Message
	if row, ok := a.rows[partner]; ok {
		stored = row.LastMessage
	}
	for _, l := range live {
		if stored != nil && (stored.ID == l.msg.ID || !l.msg.CreatedAt.After(stored.CreatedAt)) {
			continue
		}
		row := a.rowLocked(partner)
		m := l.msg
		row.LastMessage = &m
		if l.unread && partner != a.active {
			row.UnreadCount++
		}
	}
}

// seenLocked reports whether the delivery id was already applied.
func (a *Aggregator) seenLocked(partner, id string) bool {
	if row, ok := a.rows[partner]; ok && row.LastMessage != nil && row.LastMessage.ID == id {
		return true
	}
	for _, l := range a.recent[partner] {
		if l.msg.ID == id {
			return true
		}
	}
	return false
}

func (a *Aggregator) rowLocked(partner string) *model.InboxRow {
	row, ok := a.rows[partner]
	if !ok {
		row = &model.InboxRow{Partner: partner}
		a.rows[partner] = row
	}
	return row
}

// HandleEvent is the bus handler of the aggregator.
func (a *Aggregator) HandleEvent(ev socket.Event) {
	if d, ok := ev.(wire.Delivery); ok {
		a.OnDelivery(d)
	}
}

// OnDelivery records an inbound delivery. Messages from the partner count
// as unread unless that conversation is open; echoes of our own sends only
// refresh the last message.
func (a *Aggregator) OnDelivery(d wire.Delivery) {
	key := model.NewConversationKey(d.Sender, d.Receiver)
	if !key.Has(a.local) {
		return
	}
	partner := key.Other(a.local)

	msg := model.Message{
		ID:        d.ID,
		ClientID:  d.ClientID,
		Sender:    d.Sender,
		Receiver:  d.Receiver,
		Content:   d.Message,
		CreatedAt: d.CreatedAt,
	}

	a.mu.Lock()
	if a.seenLocked(partner, d.ID) {
		a.mu.Unlock()
		return
	}
	unread := d.Sender != a.local && partner != a.active
	live := append(a.recent[partner], liveMessage{msg: msg, unread: unread})
	if len(live) > recentLimit {
		live = live[len(live)-recentLimit:]
	}
	a.recent[partner] = live

	row := a.rowLocked(partner)
	last := msg
	row.LastMessage = &last
	if unread {
		row.UnreadCount++
	}
	a.mu.Unlock()
	a.changed()
}

// NoteSent records a local send. The unread count is left alone.
func (a *Aggregator) NoteSent(msg model.Message) {
	if msg.Sender != a.local {
		return
	}
	a.mu.Lock()
	row := a.rowLocked(msg.Receiver)
	row.LastMessage = &msg
	a.mu.Unlock()
	a.changed()
}

// MarkRead resets the unread count of partner.
func (a *Aggregator) MarkRead(partner string) {
	a.mu.Lock()
	for i := range a.recent[partner] {
		a.recent[partner][i].unread = false
	}
	row, ok := a.rows[partner]
	if !ok || row.UnreadCount == 0 {
		a.mu.Unlock()
		return
	}
	row.UnreadCount = 0
	a.mu.Unlock()
	a.changed()
}

// SetActive marks partner's conversation as open and read. An empty partner
// clears it.
func (a *Aggregator) SetActive(partner string) {
	a.mu.Lock()
	a.active = partner
	a.mu.Unlock()
	if partner != "" {
		a.MarkRead(partner)
	}
}

// Row returns a copy of partner's row.
func (a *Aggregator) Row(partner string) (model.InboxRow, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[partner]
	if !ok {
		return model.InboxRow{}, false
	}
	return copyRow(row), true
}

// Rows returns the rows newest first. Equal timestamps are ordered by
// partner; rows without a last message come last.
func (a *Aggregator) Rows() []model.InboxRow {
	a.mu.Lock()
	out := make([]model.InboxRow, 0, len(a.rows))
	for _, row := range a.rows {
		out = append(out, copyRow(row))
	}
	a.mu.Unlock()

	slices.SortFunc(out, func(x, y model.InboxRow) int {
		switch {
		case x.LastMessage == nil && y.LastMessage != nil:
			return 1
		case x.LastMessage != nil && y.LastMessage == nil:
			return -1
		case x.LastMessage != nil && y.LastMessage != nil:
			if c := y.LastMessage.CreatedAt.Compare(x.LastMessage.CreatedAt); c != 0 {
				return c
			}
		}
		return cmp.Compare(x.Partner, y.Partner)
	})
	return out
}

// TotalUnread sums the unread counts of every row.
func (a *Aggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, row := range a.rows {
		n += row.UnreadCount
	}
	return n
}

func copyRow(row *model.InboxRow) model.InboxRow {
	out := *row
	if row.LastMessage != nil {
		m := *row.LastMessage
		out.LastMessage = &m
	}
	return out
}

func (a *Aggregator) changed() {
	if a.onChange != nil {
		a.onChange()
	}
}
