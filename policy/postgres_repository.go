package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shexroz002/rate-limit/limiter"
)

const ruleColumns = `id, path, method, algorithm, "limit", window_seconds, key_type, is_active, priority, created_at, updated_at`

// PostgresRepository stores rules in the rate_limit_rules table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository on an open pool. The schema is managed by database.Migrate.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (p *PostgresRepository) Create(ctx context.Context, r Rule) (Rule, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_rules (path, method, algorithm, "limit", window_seconds, key_type, is_active, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+ruleColumns,
		r.Path, methodArg(r.Method), string(r.Algorithm), r.Limit, r.WindowSeconds, r.KeyType, r.IsActive, r.Priority)

	created, err := scanRule(row)
	if err != nil {
		return Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	return created, nil
}

func (p *PostgresRepository) Get(ctx context.Context, id int64) (Rule, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rate_limit_rules WHERE id = $1`, id)

	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rule{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return Rule{}, fmt.Errorf("get rule %d: %w", id, err)
	}
	return r, nil
}

func (p *PostgresRepository) List(ctx context.Context) ([]Rule, error) {
	return p.query(ctx, `SELECT `+ruleColumns+` FROM rate_limit_rules ORDER BY id`)
}

func (p *PostgresRepository) ListActive(ctx context.Context) ([]Rule, error) {
	return p.query(ctx, `SELECT `+ruleColumns+` FROM rate_limit_rules WHERE is_active ORDER BY priority DESC, id ASC`)
}

func (p *PostgresRepository) query(ctx context.Context, sql string) ([]Rule, error) {
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Rule, error) {
		return scanRule(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan rules: %w", err)
	}
	return rules, nil
}

func (p *PostgresRepository) Update(ctx context.Context, r Rule) (Rule, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE rate_limit_rules
		SET path = $2, method = $3, algorithm = $4, "limit" = $5, window_seconds = $6,
		    key_type = $7, is_active = $8, priority = $9, updated_at = now()
		WHERE id = $1
		RETURNING `+ruleColumns,
		r.ID, r.Path, methodArg(r.Method), string(r.Algorithm), r.Limit, r.WindowSeconds, r.KeyType, r.IsActive, r.Priority)

	updated, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rule{}, fmt.Errorf("%w: id %d", ErrNotFound, r.ID)
		}
		return Rule{}, fmt.Errorf("update rule %d: %w", r.ID, err)
	}
	return updated, nil
}

func (p *PostgresRepository) Delete(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM rate_limit_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// methodArg stores MethodAny as NULL.
func methodArg(m string) any {
	m = NormalizeMethod(m)
	if m == MethodAny {
		return nil
	}
	return m
}

func scanRule(row pgx.Row) (Rule, error) {
	var (
		r         Rule
		method    *string
		algorithm string
	)
	err := row.Scan(&r.ID, &r.Path, &method, &algorithm, &r.Limit, &r.WindowSeconds, &r.KeyType, &r.IsActive, &r.Priority, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Rule{}, err
	}
	r.Algorithm = limiter.Algorithm(algorithm)
	if method != nil {
		r.Method = *method
	}
	r.Method = NormalizeMethod(r.Method)
	return r, nil
}
