// Package memory provides process-local stores used when no database is
// configured and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"telemed-backend/internal/domain"
)

// CallRepository keeps calls in a map guarded by a mutex. Transition holds
// the lock across check and write, so it is a true compare-and-swap.
type CallRepository struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.Call
}

// NewCallRepository creates an empty call repository
func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls: make(map[uuid.UUID]*domain.Call),
	}
}

// Create stores a new call
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.CallID]; exists {
		return fmt.Errorf("call %s already exists", call.CallID)
	}
	for _, existing := range r.calls {
		if existing.CallLink == call.CallLink {
			return fmt.Errorf("call link %s already in use", call.CallLink)
		}
	}
	r.calls[call.CallID] = call.Clone()
	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return call.Clone(), nil
}

// Transition applies t if its guard accepts the stored call
func (r *CallRepository) Transition(ctx context.Context, callID uuid.UUID, t domain.Transition) (*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	if !t.Allows(call) {
		return nil, &domain.TransitionError{CallID: callID, Current: call.Status, To: t.To}
	}
	t.Apply(call)
	return call.Clone(), nil
}

// List returns calls matching filter, newest first unless filter.Ascending
func (r *CallRepository) List(ctx context.Context, filter domain.CallFilter) ([]*domain.Call, error) {
	r.mu.RLock()
	matched := make([]*domain.Call, 0)
	for _, call := range r.calls {
		if filter.Matches(call) {
			matched = append(matched, call.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if filter.Ascending {
			return matched[i].StartTime.Before(matched[j].StartTime)
		}
		return matched[i].StartTime.After(matched[j].StartTime)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*domain.Call{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Count returns the number of calls matching filter, ignoring paging
func (r *CallRepository) Count(ctx context.Context, filter domain.CallFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, call := range r.calls {
		if filter.Matches(call) {
			n++
		}
	}
	return n, nil
}
