package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Freight/internal/domain"
)

// PGStore — реализация Store поверх PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var (
	_ Store       = (*PGStore)(nil)
	_ TenantAdmin = (*PGStore)(nil)
)

// NewPGStore создаёт новый PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

// Ping проверяет доступность БД.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetTenant возвращает tenant по ID.
func (s *PGStore) GetTenant(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error) {
	query := `
		SELECT id, name, status, created_at
		FROM tenants
		WHERE id = $1
	`
	var t domain.Tenant
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// CreateTenant создаёт tenant.
func (s *PGStore) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, status, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.pool.Exec(ctx, query, t.ID, t.Name, t.Status, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// ListTenants возвращает всех tenants по имени.
func (s *PGStore) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	query := `
		SELECT id, name, status, created_at
		FROM tenants
		ORDER BY name, id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Tenant, error) {
		var t domain.Tenant
		err := row.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
		return t, err
	})
}

// SetTenantStatus меняет статус tenant.
func (s *PGStore) SetTenantStatus(ctx context.Context, tenantID uuid.UUID, status domain.TenantStatus) (*domain.Tenant, error) {
	query := `
		UPDATE tenants SET status = $2
		WHERE id = $1
		RETURNING id, name, status, created_at
	`
	var t domain.Tenant
	err := s.pool.QueryRow(ctx, query, tenantID, status).Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update tenant status: %w", err)
	}
	return &t, nil
}

// ListTenantIDsWithRunningJobs возвращает ID tenants с running jobs.
func (s *PGStore) ListTenantIDsWithRunningJobs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant_id FROM migration_jobs
		WHERE status = 'running'
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants with running jobs: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// --- Helpers ---

// isUniqueViolation проверяет нарушение уникальности (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString возвращает "" для NULL.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
