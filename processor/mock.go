package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory Client for tests. VerifyEvent accepts a payload
// whose signature header equals Secret.
type Mock struct {
	Secret string

	mu             sync.Mutex
	subs           map[string]*Subscription
	paymentMethods map[string]bool
	fetches        map[string]int
	failGet        error
}

// NewMock creates a Mock accepting the given signature.
func NewMock(secret string) *Mock {
	return &Mock{
		Secret:         secret,
		subs:           make(map[string]*Subscription),
		paymentMethods: make(map[string]bool),
		fetches:        make(map[string]int),
	}
}

// PutSubscription sets the authoritative state returned by GetSubscription.
func (m *Mock) PutSubscription(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Items = append([]Item(nil), s.Items...)
	m.subs[s.ID] = &cp
}

// SetPaymentMethod records whether customerID has a payment method on file.
func (m *Mock) SetPaymentMethod(customerID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paymentMethods[customerID] = ok
}

// FailGet makes GetSubscription return err until cleared with nil.
func (m *Mock) FailGet(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = err
}

// Fetches returns how many times id was fetched.
func (m *Mock) Fetches(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[id]
}

func (m *Mock) VerifyEvent(payload []byte, sigHeader string) (*Event, error) {
	if sigHeader == "" || sigHeader != m.Secret {
		return nil, ErrInvalidSignature
	}
	var raw struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return &Event{ID: raw.ID, Type: raw.Type, Created: time.Unix(raw.Created, 0).UTC(), Data: raw.Data.Object}, nil
}

func (m *Mock) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[id]++
	if m.failGet != nil {
		return nil, m.failGet
	}
	s, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	cp := *s
	cp.Items = append([]Item(nil), s.Items...)
	return &cp, nil
}

func (m *Mock) HasPaymentMethod(_ context.Context, customerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if customerID == "" {
		return false, nil
	}
	return m.paymentMethods[customerID], nil
}

// IsNotFound reports whether err means the processor has no such object.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

var _ Client = (*Mock)(nil)
