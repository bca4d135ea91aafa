package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deliverly/navigator/internal/lib/delivery"
	"github.com/deliverly/navigator/internal/lib/geo"
)

// MemoryStore keeps coordinates and delivery history in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	coords     map[string]*delivery.Coordinate // by id
	byOrder    map[string]string               // order id -> coordinate id
	deliveries map[string][]delivery.DeliveryInfo
	now        func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		coords:     make(map[string]*delivery.Coordinate),
		byOrder:    make(map[string]string),
		deliveries: make(map[string][]delivery.DeliveryInfo),
		now:        time.Now,
	}
}

func (m *MemoryStore) FindByOrder(ctx context.Context, orderID string) (*delivery.Coordinate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, nil
	}
	c := *m.coords[id]
	return &c, nil
}

func (m *MemoryStore) Create(ctx context.Context, orderID string, p geo.Point) (*delivery.Coordinate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byOrder[orderID]; ok {
		return nil, &DuplicateError{OrderID: orderID, ID: id}
	}
	c := &delivery.Coordinate{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		UpdatedAt: m.now(),
	}
	m.coords[c.ID] = c
	m.byOrder[orderID] = c.ID
	out := *c
	return &out, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, p geo.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coords[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	c.Latitude = p.Latitude
	c.Longitude = p.Longitude
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) UpdateDeliveryInfo(ctx context.Context, orderID string, info delivery.DeliveryInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[orderID] = append(m.deliveries[orderID], info)
	return nil
}

// DeliveryHistory returns the status changes recorded for orderID, oldest first.
func (m *MemoryStore) DeliveryHistory(ctx context.Context, orderID string) ([]delivery.DeliveryInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]delivery.DeliveryInfo(nil), m.deliveries[orderID]...), nil
}
