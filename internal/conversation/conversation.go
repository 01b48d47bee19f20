// Package conversation holds the per-screen state of one direct chat: the
// merged history and live message list, the input field and the display
// grouping rows derived from it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/4xmen/hamdam/internal/dispatch"
	"github.com/4xmen/hamdam/internal/models"
)

type State int

const (
	Loading State = iota
	Ready
	// NoCounterparty is terminal: no therapist assigned, or the patient is
	// unknown to the caller.
	NoCounterparty
	// Failed means the history could not be fetched.
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case NoCounterparty:
		return "no-counterparty"
	case Failed:
		return "failed"
	default:
		return "loading"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DefaultGroupingGap separates runs of messages for timestamp headers and avatars.
const DefaultGroupingGap = 45 * time.Minute

var ErrNoCounterparty = errors.New("no counterparty")

// Resolver determines the other participant of the conversation.
type Resolver func(ctx context.Context) (*models.User, error)

type HistoryFetcher interface {
	GetConversation(ctx context.Context, counterpartyID int) ([]models.Message, error)
}

type Sender interface {
	SendMessage(msg models.OutgoingMessage) error
}

type Registry interface {
	AddMessageListener(key int, fn dispatch.Listener)
	RemoveMessageListener(key int)
}

// Row is one message prepared for display.
type Row struct {
	Message       models.Message `json:"message"`
	FromSelf      bool           `json:"from_self"`
	ShowTimestamp bool           `json:"show_timestamp"`
	ShowAvatar    bool           `json:"show_avatar"`
	Expanded      bool           `json:"expanded"`
}

type Model struct {
	self     int
	resolve  Resolver
	history  HistoryFetcher
	sender   Sender
	registry Registry
	gap      time.Duration

	mu           sync.Mutex
	state        State
	err          error
	counterparty *models.User
	messages     []models.Message // newest first
	seen         map[int]struct{}
	pending      []models.Message // live messages received while loading
	mounted      bool
	registered   bool
	unmounted    bool
	input        string
	expanded     int

	changes chan struct{}
}

type Option func(*Model)

func WithGroupingGap(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.gap = d
		}
	}
}

func New(self int, resolve Resolver, history HistoryFetcher, sender Sender, registry Registry, opts ...Option) *Model {
	m := &Model{
		self:     self,
		resolve:  resolve,
		history:  history,
		sender:   sender,
		registry: registry,
		gap:      DefaultGroupingGap,
		seen:     make(map[int]struct{}),
		changes:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mount resolves the counterparty, subscribes to live messages and loads the
// history. The listener is registered before the fetch so that messages
// arriving meanwhile are merged instead of lost. Mount runs at most once.
func (m *Model) Mount(ctx context.Context) error {
	m.mu.Lock()
	if m.mounted || m.unmounted {
		m.mu.Unlock()
		return nil
	}
	m.mounted = true
	m.mu.Unlock()

	counterparty, err := m.resolve(ctx)
	if err == nil && counterparty == nil {
		err = ErrNoCounterparty
	}
	if err != nil {
		log.Printf("conversation: counterparty unavailable user_id=%d error=%v", m.self, err)
		m.finish(NoCounterparty, err)
		if errors.Is(err, ErrNoCounterparty) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNoCounterparty, err)
	}

	m.mu.Lock()
	if m.unmounted {
		m.mu.Unlock()
		return nil
	}
	m.counterparty = counterparty
	m.registry.AddMessageListener(counterparty.ID, dispatch.Matching(m.self, counterparty.ID, m.receive))
	m.registered = true
	m.mu.Unlock()
	m.notify()

	history, err := m.history.GetConversation(ctx, counterparty.ID)
	if err != nil {
		log.Printf("conversation: failed to fetch history counterparty_id=%d error=%v", counterparty.ID, err)
		m.finish(Failed, err)
		return fmt.Errorf("failed to fetch history: %w", err)
	}

	m.mu.Lock()
	if m.unmounted {
		m.mu.Unlock()
		return nil
	}
	m.merge(history)
	m.state = Ready
	m.mu.Unlock()

	m.notify()
	return nil
}

// merge installs the oldest-first history as the newest-first list, followed
// by the live messages buffered during the fetch. Caller holds m.mu.
func (m *Model) merge(history []models.Message) {
	for _, msg := range history {
		m.seen[msg.ID] = struct{}{}
	}

	var live []models.Message
	for _, msg := range m.pending {
		if _, dup := m.seen[msg.ID]; dup {
			continue
		}
		m.seen[msg.ID] = struct{}{}
		live = append(live, msg)
	}
	m.pending = nil

	merged := make([]models.Message, 0, len(live)+len(history))
	for i := len(live) - 1; i >= 0; i-- {
		merged = append(merged, live[i])
	}
	for i := len(history) - 1; i >= 0; i-- {
		merged = append(merged, history[i])
	}
	m.messages = merged
}

func (m *Model) finish(state State, err error) {
	m.mu.Lock()
	if m.unmounted {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.err = err
	m.pending = nil
	m.mu.Unlock()

	m.notify()
}

func (m *Model) receive(msg models.Message) {
	m.mu.Lock()
	if m.unmounted {
		m.mu.Unlock()
		return
	}

	switch m.state {
	case Loading:
		m.pending = append(m.pending, msg)
		m.mu.Unlock()
		return
	case Ready:
		if _, dup := m.seen[msg.ID]; dup {
			m.mu.Unlock()
			return
		}
		m.seen[msg.ID] = struct{}{}
		m.messages = append([]models.Message{msg}, m.messages...)
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.notify()
}

// Unmount stops live delivery. Any later history response is discarded.
func (m *Model) Unmount() {
	m.mu.Lock()
	if m.unmounted {
		m.mu.Unlock()
		return
	}
	m.unmounted = true
	m.pending = nil
	registered := m.registered
	var key int
	if m.counterparty != nil {
		key = m.counterparty.ID
	}
	m.mu.Unlock()

	if registered {
		m.registry.RemoveMessageListener(key)
	}
}

func (m *Model) SetInput(text string) {
	m.mu.Lock()
	m.input = text
	m.mu.Unlock()
}

func (m *Model) Input() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.input
}

// Send hands the trimmed input to the connection and clears it. The message
// is not added to the list; it appears once the server echoes it back. A
// dropped send is logged only. Send reports whether anything was sent.
func (m *Model) Send() bool {
	m.mu.Lock()
	content := strings.TrimSpace(m.input)
	counterparty := m.counterparty
	if content == "" || counterparty == nil || m.unmounted {
		m.mu.Unlock()
		return false
	}
	m.input = ""
	m.mu.Unlock()

	if err := m.sender.SendMessage(models.OutgoingMessage{Content: content, RecipientID: counterparty.ID}); err != nil {
		log.Printf("conversation: message not delivered recipient_id=%d error=%v", counterparty.ID, err)
	}

	m.notify()
	return true
}

func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure behind NoCounterparty or Failed.
func (m *Model) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Model) Counterparty() *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counterparty == nil {
		return nil
	}
	c := *m.counterparty
	return &c
}

// Messages returns the list newest first.
func (m *Model) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages...)
}

// Toggle expands the message with id, collapsing any other. Toggling the
// expanded message collapses it. It reports whether id is now expanded.
func (m *Model) Toggle(id int) bool {
	m.mu.Lock()
	if m.expanded == id {
		m.expanded = 0
	} else {
		m.expanded = id
	}
	expanded := m.expanded == id
	m.mu.Unlock()

	m.notify()
	return expanded
}

func (m *Model) Expanded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expanded
}

// Changes delivers a coalesced signal after every visible state change.
func (m *Model) Changes() <-chan struct{} {
	return m.changes
}

func (m *Model) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// Rows returns the newest-first list annotated with grouping flags.
func (m *Model) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	counterpartyID := 0
	if m.counterparty != nil {
		counterpartyID = m.counterparty.ID
	}

	list := m.messages
	rows := make([]Row, len(list))
	for i, msg := range list {
		rows[i] = Row{
			Message:  msg,
			FromSelf: msg.SenderID == m.self,
			Expanded: m.expanded != 0 && msg.ID == m.expanded,
		}

		// list[i+1] is chronologically previous, list[i-1] next
		rows[i].ShowTimestamp = i == len(list)-1 || m.apart(list[i+1], msg)

		if msg.SenderID == counterpartyID {
			rows[i].ShowAvatar = i == 0 ||
				list[i-1].SenderID != msg.SenderID ||
				m.apart(msg, list[i-1])
		}
	}
	return rows
}

// apart reports whether later was sent at least the grouping gap after
// earlier, counted in whole minutes.
func (m *Model) apart(earlier, later models.Message) bool {
	diff := later.SentAt().Sub(earlier.SentAt()).Truncate(time.Minute)
	return diff >= m.gap
}
