package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/classify"
	"github.com/shaiso/Freight/internal/domain"
)

// ErrUnknownTarget — для target system не зарегистрирован adapter.
var ErrUnknownTarget = errors.New("unknown target system")

// Port — контракт переноса одной записи в target system.
//
// Реализация обязана быть идемпотентной по (tenantID, record.ID): запись может
// быть отправлена повторно после retry или повторного захвата batch.
// Ошибки классифицируются пакетом classify; adapters могут вернуть
// *classify.TransferError для явной классификации.
type Port interface {
	Transfer(ctx context.Context, tenantID uuid.UUID, target string, record domain.Record) error
}

// Target — adapter одной target system.
type Target interface {
	Send(ctx context.Context, tenantID uuid.UUID, record domain.Record) error
}

// TargetFunc позволяет использовать функцию как Target.
type TargetFunc func(ctx context.Context, tenantID uuid.UUID, record domain.Record) error

// Send вызывает f.
func (f TargetFunc) Send(ctx context.Context, tenantID uuid.UUID, record domain.Record) error {
	return f(ctx, tenantID, record)
}

// Registry — реестр adapters по имени target system. Реализует Port.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Target)}
}

// Register добавляет adapter для target system.
func (r *Registry) Register(name string, target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = target
}

// Get возвращает adapter для target system.
func (r *Registry) Get(name string) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target, ok := r.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	return target, nil
}

// Has проверяет, зарегистрирован ли adapter.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.targets[name]
	return ok
}

// Names возвращает имена зарегистрированных target systems.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transfer отправляет запись через adapter target system.
func (r *Registry) Transfer(ctx context.Context, tenantID uuid.UUID, target string, record domain.Record) error {
	t, err := r.Get(target)
	if err != nil {
		return &classify.TransferError{Kind: domain.ErrorKindPermanent, Err: err}
	}
	return t.Send(ctx, tenantID, record)
}
