// Package memory implements the auth repositories in process memory. It backs
// tests and single-instance development deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"orderdesk.org/internal/auth"
	"orderdesk.org/internal/ids"
)

var (
	_ auth.CredentialRepository = (*Credentials)(nil)
	_ auth.AuthLinkRepository   = (*AuthLinks)(nil)
	_ auth.DenyList             = (*DenyList)(nil)
)

// Credentials is an in-memory credential store.
type Credentials struct {
	mu      sync.RWMutex
	byID    map[string]auth.CredentialRecord
	byEmail map[string]string
}

// NewCredentials creates an empty credential store.
func NewCredentials() *Credentials {
	return &Credentials{
		byID:    make(map[string]auth.CredentialRecord),
		byEmail: make(map[string]string),
	}
}

// CreateUser stores rec, assigning an id when empty.
func (s *Credentials) CreateUser(ctx context.Context, rec auth.CredentialRecord) (auth.CredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return auth.CredentialRecord{}, err
	}
	rec.Email = auth.NormalizeEmail(rec.Email)
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[rec.Email]; ok {
		return auth.CredentialRecord{}, auth.ErrAlreadyExists
	}
	if _, ok := s.byID[rec.ID]; ok {
		return auth.CredentialRecord{}, auth.ErrAlreadyExists
	}
	s.byID[rec.ID] = rec
	s.byEmail[rec.Email] = rec.ID
	return rec, nil
}

// Delete removes the user with id.
func (s *Credentials) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byEmail, rec.Email)
	return nil
}

func (s *Credentials) FindByEmail(ctx context.Context, email string) (auth.CredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return auth.CredentialRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[auth.NormalizeEmail(email)]
	if !ok {
		return auth.CredentialRecord{}, auth.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *Credentials) FindByID(ctx context.Context, id string) (auth.CredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return auth.CredentialRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return auth.CredentialRecord{}, auth.ErrNotFound
	}
	return rec, nil
}

// AuthLinks is an in-memory auth link store.
type AuthLinks struct {
	mu    sync.Mutex
	links map[string]auth.AuthLink
}

// NewAuthLinks creates an empty auth link store.
func NewAuthLinks() *AuthLinks {
	return &AuthLinks{links: make(map[string]auth.AuthLink)}
}

func (s *AuthLinks) Create(ctx context.Context, link auth.AuthLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.TokenHash]; ok {
		return auth.ErrAlreadyExists
	}
	link.ConsumedAt = copyTime(link.ConsumedAt)
	s.links[link.TokenHash] = link
	return nil
}

func (s *AuthLinks) FindByToken(ctx context.Context, tokenHash string) (auth.AuthLink, error) {
	if err := ctx.Err(); err != nil {
		return auth.AuthLink{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[tokenHash]
	if !ok {
		return auth.AuthLink{}, auth.ErrNotFound
	}
	link.ConsumedAt = copyTime(link.ConsumedAt)
	return link, nil
}

func (s *AuthLinks) TryConsume(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[tokenHash]
	if !ok || link.Consumed() || link.Expired(now) {
		return false, nil
	}
	consumed := now.UTC()
	link.ConsumedAt = &consumed
	s.links[tokenHash] = link
	return true, nil
}

// DeleteExpired drops links whose expiry is before now and reports how many were removed.
func (s *AuthLinks) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, link := range s.links {
		if link.Expired(now) {
			delete(s.links, k)
			n++
		}
	}
	return n, nil
}

// DenyList is an in-memory revocation list.
type DenyList struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewDenyList creates an empty deny-list. A nil clock defaults to time.Now.
func NewDenyList(clock func() time.Time) *DenyList {
	if clock == nil {
		clock = time.Now
	}
	return &DenyList{entries: make(map[string]time.Time), now: clock}
}

func (d *DenyList) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !until.After(d.now()) {
		return nil
	}
	d.entries[tokenID] = until
	return nil
}

func (d *DenyList) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !until.After(d.now()) {
		delete(d.entries, tokenID)
		return false, nil
	}
	return true, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
