package memory

import (
	"context"
	"sync"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

// Directory serves profiles and listing cards from memory.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]chat.ParticipantProfile
	listings map[string]chat.ListingSummary
}

func NewDirectory() *Directory {
	return &Directory{
		profiles: make(map[string]chat.ParticipantProfile),
		listings: make(map[string]chat.ListingSummary),
	}
}

func (d *Directory) PutProfile(userID string, profile chat.ParticipantProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[userID] = profile
}

func (d *Directory) PutListing(propertyID string, listing chat.ListingSummary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listings[propertyID] = listing
}

func (d *Directory) GetProfile(ctx context.Context, userID string) (*chat.ParticipantProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	profile, ok := d.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &profile, nil
}

func (d *Directory) GetListingSummary(ctx context.Context, propertyID string) (*chat.ListingSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	listing, ok := d.listings[propertyID]
	if !ok {
		return nil, nil
	}
	return &listing, nil
}

var _ policies.Directory = (*Directory)(nil)
