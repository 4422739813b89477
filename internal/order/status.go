// Package order holds the order status lifecycle. Terminal statuses are final,
// the same discipline auth links follow once consumed or expired.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Status of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrInvalidStatus     = errors.New("order: invalid status")
	ErrInvalidTransition = errors.New("order: invalid transition")
	ErrTerminalState     = errors.New("order: status is terminal")
	ErrNotFound          = errors.New("order: not found")
	ErrAlreadyExists     = errors.New("order: already exists")
)

// ParseStatus normalizes raw and validates it.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition checks a single step of the lifecycle.
func CanTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return ErrInvalidStatus
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if from == StatusPending && to.Terminal() {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Registry tracks order statuses in memory. Transition is a compare-and-set so
// concurrent callers racing to finalize an order see exactly one winner.
type Registry struct {
	mu     sync.Mutex
	orders map[string]Status
}

func NewRegistry() *Registry {
	return &Registry{orders: make(map[string]Status)}
}

// Create registers id as pending.
func (r *Registry) Create(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("order: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[id]; ok {
		return ErrAlreadyExists
	}
	r.orders[id] = StatusPending
	return nil
}

func (r *Registry) Status(ctx context.Context, id string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.orders[id]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}

// Transition moves id to status to if the lifecycle allows it.
func (r *Registry) Transition(ctx context.Context, id string, to Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	from, ok := r.orders[id]
	if !ok {
		return ErrNotFound
	}
	if err := CanTransition(from, to); err != nil {
		return err
	}
	r.orders[id] = to
	return nil
}
