package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
)

// MemoryStore is an in-process implementation of the Postgres and template
// store methods. It backs tests and demo mode.
type MemoryStore struct {
	mu          sync.RWMutex
	deliveries  []*domain.DeliveryRecord
	optOuts     []domain.OptOut
	preferences map[string]domain.Preference
	contacts    map[string]domain.Contact
	templates   map[domain.Channel]map[string]string
	now         func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		preferences: make(map[string]domain.Preference),
		contacts:    make(map[string]domain.Contact),
		templates:   make(map[domain.Channel]map[string]string),
		now:         time.Now,
	}
}

func cloneRecord(r *domain.DeliveryRecord) domain.DeliveryRecord {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func (m *MemoryStore) InsertDelivery(_ context.Context, rec *domain.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneRecord(rec)
	m.deliveries = append(m.deliveries, &c)
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.deliveries {
		if r.ID == id {
			c := cloneRecord(r)
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) UpdateDelivery(_ context.Context, id string, fn MutateFunc) (bool, error) {
	return m.mutate(func(r *domain.DeliveryRecord) bool { return r.ID == id }, fn)
}

func (m *MemoryStore) UpdateDeliveryByProviderID(_ context.Context, providerID string, fn MutateFunc) (bool, error) {
	if providerID == "" {
		return false, ErrNotFound
	}
	return m.mutate(func(r *domain.DeliveryRecord) bool { return r.ProviderID == providerID }, fn)
}

func (m *MemoryStore) mutate(match func(*domain.DeliveryRecord) bool, fn MutateFunc) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.deliveries) - 1; i >= 0; i-- {
		r := m.deliveries[i]
		if !match(r) {
			continue
		}
		c := cloneRecord(r)
		changed, err := fn(&c)
		if err != nil || !changed {
			return false, err
		}
		c.UpdatedAt = m.now()
		m.deliveries[i] = &c
		return true, nil
	}
	return false, ErrNotFound
}

func (m *MemoryStore) CountDeliveriesSince(_ context.Context, userID string, ch domain.Channel, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.deliveries {
		if r.UserID == userID && r.Type == ch && !r.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func matches(r *domain.DeliveryRecord, f domain.DeliveryFilter) bool {
	switch {
	case f.UserID != "" && r.UserID != f.UserID:
		return false
	case f.Type != "" && r.Type != f.Type:
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	case f.Template != "" && r.Template != f.Template:
		return false
	case f.Recipient != "" && r.Recipient != f.Recipient:
		return false
	case f.Since != nil && r.SentAt.Before(*f.Since):
		return false
	case f.Until != nil && !r.SentAt.Before(*f.Until):
		return false
	}
	return true
}

func (m *MemoryStore) filtered(f domain.DeliveryFilter) []domain.DeliveryRecord {
	var out []domain.DeliveryRecord
	for _, r := range m.deliveries {
		if matches(r, f) {
			out = append(out, cloneRecord(r))
		}
	}
	return out
}

func (m *MemoryStore) ListDeliveries(_ context.Context, f domain.DeliveryFilter, limit, offset int) ([]domain.DeliveryRecord, int, error) {
	m.mu.RLock()
	all := m.filtered(f)
	m.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].SentAt.After(all[j].SentAt) })

	total := len(all)
	if offset >= total {
		return []domain.DeliveryRecord{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) CountDeliveriesByStatus(_ context.Context, f domain.DeliveryFilter) ([]domain.StatusCount, error) {
	m.mu.RLock()
	all := m.filtered(f)
	m.mu.RUnlock()

	type key struct {
		t domain.Channel
		s domain.Status
	}
	counts := make(map[key]int)
	for _, r := range all {
		counts[key{r.Type, r.Status}]++
	}

	out := []domain.StatusCount{}
	for k, n := range counts {
		out = append(out, domain.StatusCount{Type: k.t, Status: k.s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (m *MemoryStore) DailyDeliveryCounts(_ context.Context, f domain.DeliveryFilter) ([]domain.DailyCount, error) {
	m.mu.RLock()
	all := m.filtered(f)
	m.mu.RUnlock()

	type key struct {
		day time.Time
		t   domain.Channel
	}
	buckets := make(map[key]*domain.DailyCount)
	for _, r := range all {
		s := r.SentAt.UTC()
		k := key{time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC), r.Type}
		b, ok := buckets[k]
		if !ok {
			b = &domain.DailyCount{Day: k.day, Type: k.t}
			buckets[k] = b
		}
		b.Total++
		switch r.Status {
		case domain.StatusDelivered, domain.StatusOpened, domain.StatusClicked, domain.StatusUnsubscribed, domain.StatusSpam:
			b.Delivered++
		case domain.StatusFailed, domain.StatusBounced:
			b.Failed++
		}
	}

	out := []domain.DailyCount{}
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (m *MemoryStore) ListRetryCandidates(_ context.Context, since time.Time, maxRetries int) ([]domain.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Only the newest record of each chain is considered; earlier attempts
	// of a chain were already superseded.
	latest := map[string]int{}
	var keys []string
	for i, r := range m.deliveries {
		if r.SentAt.Before(since) {
			continue
		}
		key := r.ChainKey()
		prev, seen := latest[key]
		if !seen {
			keys = append(keys, key)
		}
		if !seen || !r.SentAt.Before(m.deliveries[prev].SentAt) {
			latest[key] = i
		}
	}

	out := []domain.DeliveryRecord{}
	for _, key := range keys {
		r := m.deliveries[latest[key]]
		if r.Status != domain.StatusFailed && r.Status != domain.StatusBounced {
			continue
		}
		if r.RetryCount() >= maxRetries {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (m *MemoryStore) DeleteDeliveriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.deliveries[:0]
	var deleted int64
	for _, r := range m.deliveries {
		if r.SentAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.deliveries = kept
	return deleted, nil
}

func (m *MemoryStore) InsertOptOut(_ context.Context, o *domain.OptOut) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.CreatedAt = m.now()
	m.optOuts = append(m.optOuts, *o)
	return nil
}

func (m *MemoryStore) LatestOptOut(_ context.Context, userID string, channels ...domain.Channel) (*domain.OptOut, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.optOuts) - 1; i >= 0; i-- {
		o := m.optOuts[i]
		if o.UserID != userID {
			continue
		}
		for _, c := range channels {
			if o.Type == c {
				return &o, nil
			}
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListOptOuts(_ context.Context, userID string) ([]domain.OptOut, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.OptOut{}
	for i := len(m.optOuts) - 1; i >= 0; i-- {
		if m.optOuts[i].UserID == userID {
			out = append(out, m.optOuts[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) GetPreference(_ context.Context, userID string) (*domain.Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.preferences[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) UpsertPreference(_ context.Context, p *domain.Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = m.now()
	m.preferences[p.UserID] = *p
	return nil
}

func (m *MemoryStore) UpsertContact(_ context.Context, c *domain.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = m.now()
	m.contacts[c.UserID] = *c
	return nil
}

func (m *MemoryStore) FindContactByPhone(_ context.Context, phone string) (*domain.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.contacts {
		if c.Phone == phone {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) LoadTemplates(_ context.Context, ch domain.Channel) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.templates[ch]))
	for k, v := range m.templates[ch] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SaveTemplates(_ context.Context, ch domain.Channel, templates map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.templates[ch] == nil {
		m.templates[ch] = make(map[string]string)
	}
	for name, src := range templates {
		if _, ok := m.templates[ch][name]; !ok {
			m.templates[ch][name] = src
		}
	}
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
