package breaker

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Key — область действия breaker: пара (tenant, target system).
type Key struct {
	TenantID uuid.UUID
	Target   string
}

func (k Key) String() string {
	return k.TenantID.String() + "/" + k.Target
}

// Registry хранит breakers по ключу (tenant, target). Breakers создаются лениво.
type Registry struct {
	mu       sync.RWMutex
	breakers map[Key]*Breaker
	config   Config
}

// NewRegistry создаёт реестр с общей конфигурацией.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[Key]*Breaker),
		config:   cfg,
	}
}

// Get возвращает breaker для ключа, создавая его при необходимости.
func (r *Registry) Get(tenantID uuid.UUID, target string) *Breaker {
	key := Key{TenantID: tenantID, Target: target}

	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok = r.breakers[key]; ok {
		return b
	}

	b = New(key.String(), r.config)
	r.breakers[key] = b
	return b
}

// Stats — состояние одного breaker.
type Stats struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Target   string    `json:"target"`
	State    string    `json:"state"`
	Code     State     `json:"state_code"`
	Failures int       `json:"failures"`
}

// Snapshot возвращает состояние всех breakers, упорядоченное по ключу.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for key, b := range r.breakers {
		stats = append(stats, Stats{
			TenantID: key.TenantID,
			Target:   key.Target,
			State:    b.State().String(),
			Code:     b.State(),
			Failures: b.Failures(),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TenantID != stats[j].TenantID {
			return stats[i].TenantID.String() < stats[j].TenantID.String()
		}
		return stats[i].Target < stats[j].Target
	})
	return stats
}

// Reset возвращает все breakers в closed.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
