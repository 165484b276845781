package calls

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAttemptNotFound  = errors.New("call attempt not found")
	ErrContactNotFound  = errors.New("contact not found")
	ErrCampaignNotFound = errors.New("campaign not found")
)

// Repository is the persistence boundary the dialogue core reads and writes through.
type Repository interface {
	AttemptByCallID(ctx context.Context, callID string) (Attempt, error)
	SaveAttempt(ctx context.Context, a Attempt) error
	Contact(ctx context.Context, id string) (Contact, error)
	SaveContact(ctx context.Context, c Contact) error
	Campaign(ctx context.Context, id string) (Campaign, error)
	SaveCampaign(ctx context.Context, c Campaign) error
	SaveSurveyResponse(ctx context.Context, r SurveyResponse) error
}

type MemoryRepository struct {
	mu        sync.RWMutex
	attempts  map[string]Attempt
	contacts  map[string]Contact
	campaigns map[string]Campaign
	responses map[string]SurveyResponse
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		attempts:  make(map[string]Attempt),
		contacts:  make(map[string]Contact),
		campaigns: make(map[string]Campaign),
		responses: make(map[string]SurveyResponse),
	}
}

func (m *MemoryRepository) AttemptByCallID(_ context.Context, callID string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[callID]
	if !ok {
		return Attempt{}, ErrAttemptNotFound
	}
	a.AppliedEvents = append([]string(nil), a.AppliedEvents...)
	return a, nil
}

func (m *MemoryRepository) SaveAttempt(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.AppliedEvents = append([]string(nil), a.AppliedEvents...)
	m.attempts[a.CallID] = a
	return nil
}

func (m *MemoryRepository) Contact(_ context.Context, id string) (Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok {
		return Contact{}, ErrContactNotFound
	}
	return c, nil
}

func (m *MemoryRepository) SaveContact(_ context.Context, c Contact) error {
	m.mu.Lock()
	m.contacts[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) Campaign(_ context.Context, id string) (Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, ErrCampaignNotFound
	}
	return c, nil
}

func (m *MemoryRepository) SaveCampaign(_ context.Context, c Campaign) error {
	m.mu.Lock()
	m.campaigns[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) SaveSurveyResponse(_ context.Context, r SurveyResponse) error {
	m.mu.Lock()
	m.responses[r.CallID] = r
	m.mu.Unlock()
	return nil
}

// SurveyResponses returns stored responses. Tests only.
func (m *MemoryRepository) SurveyResponses() []SurveyResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SurveyResponse, 0, len(m.responses))
	for _, r := range m.responses {
		out = append(out, r)
	}
	return out
}
