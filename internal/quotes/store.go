package quotes

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound indicates the quote id is absent from the live store.
	ErrNotFound = errors.New("quotes: quote not found")
	// ErrExists indicates an insert collided with an existing quote.
	ErrExists = errors.New("quotes: quote already exists")
	// ErrAlreadyProcessed indicates a transition was attempted on a
	// terminal quote. Distinct from ErrNotFound on purpose: the quote is
	// known, it just must not be reprocessed.
	ErrAlreadyProcessed = errors.New("quotes: quote already processed")
	// ErrInvalidTransition indicates a non-monotonic transition attempt on
	// a live quote, e.g. two callers racing into processing.
	ErrInvalidTransition = errors.New("quotes: invalid status transition")
)

// Store abstracts quote persistence. UpdateStatus performs an atomic
// check-and-set: the transition validity check and the mutation happen under
// one lock, which is what enforces the monotonic-status and
// idempotent-settlement invariants under concurrency.
type Store interface {
	Get(ctx context.Context, id string) (Quote, error)
	Insert(ctx context.Context, q Quote) error
	UpdateStatus(ctx context.Context, id string, to Status, apply func(*Quote) error) (Quote, error)
}

// MemoryStore keeps quotes in a mutex-guarded map, handing out copies so
// callers never alias live entries.
type MemoryStore struct {
	mu     sync.RWMutex
	quotes map[string]*Quote
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{quotes: make(map[string]*Quote)}
}

// Get returns a copy of the stored quote.
func (s *MemoryStore) Get(_ context.Context, id string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[id]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *q, nil
}

// Insert stores a new quote, rejecting duplicates.
func (s *MemoryStore) Insert(_ context.Context, q Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quotes[q.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, q.ID)
	}
	dup := q
	s.quotes[q.ID] = &dup
	return nil
}

// UpdateStatus transitions the quote under the store lock. The apply callback
// runs only when the transition is legal and may mutate side-effect fields
// (tx hash, settlement reference, failure reason).
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, to Status, apply func(*Quote) error) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[id]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !canTransition(q.Status, to) {
		if q.Status.Terminal() {
			return Quote{}, fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, id, q.Status)
		}
		return Quote{}, fmt.Errorf("%w: %s -> %s on %s", ErrInvalidTransition, q.Status, to, id)
	}

	// Mutate a copy so a failing callback leaves the stored quote intact.
	updated := *q
	if apply != nil {
		if err := apply(&updated); err != nil {
			return Quote{}, err
		}
	}
	updated.Status = to
	*q = updated
	return updated, nil
}

var _ Store = (*MemoryStore)(nil)
