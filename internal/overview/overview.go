// Package overview keeps the last-message preview of every conversation a
// therapist has with their patients.
package overview

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/4xmen/hamdam/internal/dispatch"
	"github.com/4xmen/hamdam/internal/models"
)

const fetchConcurrency = 4

type Source interface {
	GetPatients(ctx context.Context) ([]models.User, error)
	GetConversation(ctx context.Context, counterpartyID int) ([]models.Message, error)
}

type Registry interface {
	AddMessageListener(key int, fn dispatch.Listener)
	RemoveMessageListener(key int)
}

type Item struct {
	Patient models.User     `json:"patient"`
	Last    *models.Message `json:"last_message,omitempty"`
}

// When is the humanized age of the preview, empty without one.
func (i Item) When() string {
	if i.Last == nil {
		return ""
	}
	sent := i.Last.SentAt()
	if sent.IsZero() {
		return ""
	}
	return humanize.Time(sent)
}

type Model struct {
	self     int
	src      Source
	registry Registry

	mu         sync.Mutex
	items      map[int]*Item
	registered bool
	unmounted  bool

	changes chan struct{}
}

func New(self int, src Source, registry Registry) *Model {
	return &Model{
		self:     self,
		src:      src,
		registry: registry,
		items:    make(map[int]*Item),
		changes:  make(chan struct{}, 1),
	}
}

// Load fetches the patients and the newest message of each conversation,
// then keeps the previews current from live messages.
func (m *Model) Load(ctx context.Context) error {
	patients, err := m.src.GetPatients(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.unmounted {
		m.mu.Unlock()
		return nil
	}
	for _, p := range patients {
		if _, ok := m.items[p.ID]; !ok {
			m.items[p.ID] = &Item{Patient: p}
		}
	}
	if !m.registered {
		m.registry.AddMessageListener(dispatch.AllConversations, m.receive)
		m.registered = true
	}
	m.mu.Unlock()
	m.notify()

	lasts := make([]*models.Message, len(patients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, p := range patients {
		i, p := i, p
		g.Go(func() error {
			history, err := m.src.GetConversation(gctx, p.ID)
			if err != nil {
				return fmt.Errorf("failed to fetch conversation with patient %d: %w", p.ID, err)
			}
			lasts[i] = newest(history)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("overview: %v", err)
		return err
	}

	m.mu.Lock()
	for i, p := range patients {
		if item, ok := m.items[p.ID]; ok && lasts[i] != nil && newer(lasts[i], item.Last) {
			item.Last = lasts[i]
		}
	}
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Model) receive(msg models.Message) {
	var patientID int
	switch m.self {
	case msg.SenderID:
		patientID = msg.RecipientID
	case msg.RecipientID:
		patientID = msg.SenderID
	default:
		return
	}

	m.mu.Lock()
	item, ok := m.items[patientID]
	if !ok || m.unmounted || !newer(&msg, item.Last) {
		m.mu.Unlock()
		return
	}
	item.Last = &msg
	m.mu.Unlock()

	m.notify()
}

func (m *Model) Unmount() {
	m.mu.Lock()
	registered := m.registered && !m.unmounted
	m.unmounted = true
	m.mu.Unlock()

	if registered {
		m.registry.RemoveMessageListener(dispatch.AllConversations)
	}
}

// Items returns the previews, most recent conversation first. Patients
// without messages come last, by name.
func (m *Model) Items() []Item {
	m.mu.Lock()
	items := make([]Item, 0, len(m.items))
	for _, item := range m.items {
		copied := *item
		if item.Last != nil {
			last := *item.Last
			copied.Last = &last
		}
		items = append(items, copied)
	}
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.Last != nil && b.Last != nil:
			if newer(a.Last, b.Last) != newer(b.Last, a.Last) {
				return newer(a.Last, b.Last)
			}
			return a.Patient.ID < b.Patient.ID
		case a.Last != nil:
			return true
		case b.Last != nil:
			return false
		}
		if an, bn := strings.ToLower(a.Patient.Name), strings.ToLower(b.Patient.Name); an != bn {
			return an < bn
		}
		return a.Patient.ID < b.Patient.ID
	})
	return items
}

func (m *Model) Changes() <-chan struct{} {
	return m.changes
}

func (m *Model) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func newest(history []models.Message) *models.Message {
	var best *models.Message
	for i := range history {
		if newer(&history[i], best) {
			best = &history[i]
		}
	}
	if best == nil {
		return nil
	}
	last := *best
	return &last
}

// newer orders by send time, then by id for equal or missing timestamps.
func newer(a, b *models.Message) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	at, bt := a.SentAt(), b.SentAt()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID > b.ID
}
