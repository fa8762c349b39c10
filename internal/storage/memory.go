package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radiusdt/funnel-report/internal/models"
)

// InMemoryClientRepo is a thread-safe in-memory ClientRepo for tests and
// dry runs.
type InMemoryClientRepo struct {
	mu      sync.RWMutex
	clients map[string]*models.Client
}

func NewInMemoryClientRepo(clients ...*models.Client) *InMemoryClientRepo {
	r := &InMemoryClientRepo{clients: make(map[string]*models.Client)}
	for _, c := range clients {
		cp := *c
		r.clients[c.ID] = &cp
	}
	return r
}

func (r *InMemoryClientRepo) ListActive(ctx context.Context) ([]*models.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*models.Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.Active {
			cp := *c
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (r *InMemoryClientRepo) GetByID(ctx context.Context, id string) (*models.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.clients[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, fmt.Errorf("client %q: %w", id, ErrNotFound)
}

func (r *InMemoryClientRepo) GetByName(ctx context.Context, name string) (*models.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if strings.EqualFold(c.Name, name) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("client %q: %w", name, ErrNotFound)
}

func (r *InMemoryClientRepo) Upsert(ctx context.Context, c *models.Client) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid client: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	if old, ok := r.clients[c.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	r.clients[c.ID] = &cp
	return nil
}

func (r *InMemoryClientRepo) MarkTokenInvalid(ctx context.Context, clientID string, p models.Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("client %q: %w", clientID, ErrNotFound)
	}
	switch p {
	case models.PlatformMeta:
		c.MetaTokenStatus = models.TokenStatusInvalid
	case models.PlatformGoogle:
		c.GoogleTokenStatus = models.TokenStatusInvalid
	default:
		return fmt.Errorf("unknown platform %q", p)
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

type summaryKey struct {
	clientID string
	platform models.Platform
	kind     models.PeriodKind
	start    string
}

func keyOf(clientID string, p models.Platform, kind models.PeriodKind, start time.Time) summaryKey {
	return summaryKey{clientID, p, kind, start.Format("2006-01-02")}
}

// InMemorySummaryRepo is a thread-safe in-memory SummaryRepo.
type InMemorySummaryRepo struct {
	mu        sync.RWMutex
	summaries map[summaryKey]*models.Summary
}

func NewInMemorySummaryRepo() *InMemorySummaryRepo {
	return &InMemorySummaryRepo{summaries: make(map[summaryKey]*models.Summary)}
}

func (r *InMemorySummaryRepo) UpsertSummary(ctx context.Context, s *models.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(s.ClientID, s.Platform, s.Kind, s.PeriodStart)
	cp := *s
	if old, ok := r.summaries[k]; ok {
		cp.ID = old.ID
	} else if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.LastUpdated.IsZero() {
		cp.LastUpdated = time.Now().UTC()
	}
	s.ID = cp.ID
	r.summaries[k] = &cp
	return nil
}

func (r *InMemorySummaryRepo) GetSummary(ctx context.Context, clientID string, p models.Platform, kind models.PeriodKind, start time.Time) (*models.Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.summaries[keyOf(clientID, p, kind, start)]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *InMemorySummaryRepo) ListSummaries(ctx context.Context, f SummaryFilter) ([]*models.Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Summary
	for _, s := range r.summaries {
		if f.ClientID != "" && s.ClientID != f.ClientID {
			continue
		}
		if f.Platform != "" && s.Platform != f.Platform {
			continue
		}
		if f.Kind != "" && s.Kind != f.Kind {
			continue
		}
		if !f.From.IsZero() && s.PeriodStart.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && s.PeriodStart.After(f.To) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.After(out[j].PeriodStart)
		}
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Platform < out[j].Platform
	})
	return out, nil
}

// Len returns the number of stored summaries.
func (r *InMemorySummaryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.summaries)
}

type cacheKey struct {
	kind     models.PeriodKind
	clientID string
	platform models.Platform
	periodID string
}

// InMemoryCacheRepo is a thread-safe in-memory CacheRepo.
type InMemoryCacheRepo struct {
	mu      sync.RWMutex
	entries map[cacheKey]*models.CacheEntry
}

func NewInMemoryCacheRepo() *InMemoryCacheRepo {
	return &InMemoryCacheRepo{entries: make(map[cacheKey]*models.CacheEntry)}
}

func (r *InMemoryCacheRepo) GetCache(ctx context.Context, kind models.PeriodKind, clientID string, p models.Platform, periodID string) (*models.CacheEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[cacheKey{kind, clientID, p, periodID}]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *InMemoryCacheRepo) PutCache(ctx context.Context, e *models.CacheEntry) error {
	if _, err := cacheTable(e.Kind); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.entries[cacheKey{e.Kind, e.ClientID, e.Platform, e.PeriodID}] = &cp
	return nil
}

// InMemorySettingsRepo is a thread-safe in-memory SettingsRepo.
type InMemorySettingsRepo struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewInMemorySettingsRepo() *InMemorySettingsRepo {
	return &InMemorySettingsRepo{values: make(map[string]string)}
}

func (r *InMemorySettingsRepo) GetSetting(ctx context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.values[key]; ok {
		return v, nil
	}
	return "", ErrNotFound
}

func (r *InMemorySettingsRepo) SetSetting(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	return nil
}

// NopArchive discards archived rows.
type NopArchive struct{}

func (NopArchive) ArchiveRows(context.Context, string, models.Platform, models.PeriodKind, time.Time, time.Time, []models.CampaignRow) error {
	return nil
}
