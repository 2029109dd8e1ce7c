package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

var providerColumns = []string{"id", "scope_id", "name", "code", "sequence", "enc_api_key", "base_url", "config_json", "active", "created_at"}

func scanProvider(row rowScanner) (Provider, error) {
	var p Provider
	var encAPIKey sql.NullString
	if err := row.Scan(
		&p.ID,
		&p.ScopeID,
		&p.Name,
		&p.Code,
		&p.Sequence,
		&encAPIKey,
		&p.BaseURL,
		&p.ConfigJSON,
		&p.Active,
		&p.CreatedAt,
	); err != nil {
		return Provider{}, err
	}
	if encAPIKey.Valid {
		p.EncAPIKey = &encAPIKey.String
	}
	return p, nil
}

// UpsertProvider keeps the stored credential when p carries none.
func (s *Store) UpsertProvider(ctx context.Context, p Provider) (int64, error) {
	if p.ConfigJSON == "" {
		p.ConfigJSON = "{}"
	}
	if p.Sequence == 0 {
		p.Sequence = 1
	}
	q := s.sql.Insert("providers").
		Columns("scope_id", "name", "code", "sequence", "enc_api_key", "base_url", "config_json", "active").
		Values(p.ScopeID, p.Name, p.Code, p.Sequence, p.EncAPIKey, p.BaseURL, p.ConfigJSON, p.Active).
		Suffix("ON CONFLICT(code, scope_id) DO UPDATE SET name=excluded.name, sequence=excluded.sequence, enc_api_key=COALESCE(excluded.enc_api_key, providers.enc_api_key), base_url=excluded.base_url, config_json=excluded.config_json, active=excluded.active RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build provider upsert query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert provider: %w", err)
	}
	return id, nil
}

func (s *Store) GetProvider(ctx context.Context, id int64) (Provider, error) {
	q := s.sql.Select(providerColumns...).From("providers").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Provider{}, fmt.Errorf("build provider by id query: %w", err)
	}
	p, err := scanProvider(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, fmt.Errorf("get provider by id: %w", err)
	}
	return p, nil
}

// FindActiveProvider returns the first active provider with the given code
// in the scope, ordered by sequence.
func (s *Store) FindActiveProvider(ctx context.Context, code string, scopeID int64) (Provider, error) {
	q := s.sql.Select(providerColumns...).
		From("providers").
		Where(sq.Eq{"code": code, "scope_id": scopeID, "active": true}).
		OrderBy("sequence ASC", "id ASC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Provider{}, fmt.Errorf("build active provider query: %w", err)
	}
	p, err := scanProvider(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, fmt.Errorf("find active provider: %w", err)
	}
	return p, nil
}

func (s *Store) ListProviders(ctx context.Context, scopeID int64) ([]Provider, error) {
	q := s.sql.Select(providerColumns...).
		From("providers").
		Where(sq.Eq{"scope_id": scopeID}).
		OrderBy("sequence ASC", "id ASC")
	return s.queryProviders(ctx, q)
}

func (s *Store) listAllProviders(ctx context.Context) ([]Provider, error) {
	return s.queryProviders(ctx, s.sql.Select(providerColumns...).From("providers").OrderBy("id ASC"))
}

func (s *Store) queryProviders(ctx context.Context, q sq.SelectBuilder) ([]Provider, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	out := make([]Provider, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	q := s.sql.Delete("providers").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete provider query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type Resealer interface {
	NeedsReseal(sealed string) bool
	ResealCredential(sealed string) (string, error)
}

// ResealCredentials re-encrypts every stored credential that is not sealed
// with the current master key and returns how many rows were rewritten.
func (s *Store) ResealCredentials(ctx context.Context, r Resealer) (int, error) {
	providers, err := s.listAllProviders(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, p := range providers {
		if !p.HasCredential() || !r.NeedsReseal(*p.EncAPIKey) {
			continue
		}
		sealed, err := r.ResealCredential(*p.EncAPIKey)
		if err != nil {
			return updated, fmt.Errorf("reseal provider %d: %w", p.ID, err)
		}
		q := s.sql.Update("providers").Set("enc_api_key", sealed).Where(sq.Eq{"id": p.ID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return updated, fmt.Errorf("build reseal query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
			return updated, fmt.Errorf("update provider credential: %w", err)
		}
		updated++
	}
	return updated, nil
}

func (s *Store) CreateModel(ctx context.Context, m Model) (int64, error) {
	if m.Sequence == 0 {
		m.Sequence = 1
	}
	q := s.sql.Insert("models").
		Columns("provider_id", "name", "technical_name", "files_allowed", "images_allowed", "max_files", "sequence", "active").
		Values(m.ProviderID, m.Name, m.TechnicalName, m.FilesAllowed, m.ImagesAllowed, m.MaxFiles, m.Sequence, m.Active).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build model insert query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert model: %w", err)
	}
	return id, nil
}

var modelColumns = []string{"m.id", "m.provider_id", "m.name", "m.technical_name", "m.files_allowed", "m.images_allowed", "m.max_files", "m.sequence", "m.active", "m.created_at"}

func scanModel(row rowScanner, extra ...any) (Model, error) {
	var m Model
	dest := []any{
		&m.ID,
		&m.ProviderID,
		&m.Name,
		&m.TechnicalName,
		&m.FilesAllowed,
		&m.ImagesAllowed,
		&m.MaxFiles,
		&m.Sequence,
		&m.Active,
		&m.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Model{}, err
	}
	return m, nil
}

// ListModels returns models of the scope's providers, or of a single
// provider when providerID is non-zero.
func (s *Store) ListModels(ctx context.Context, scopeID, providerID int64) ([]Model, error) {
	where := sq.Eq{"pr.scope_id": scopeID}
	if providerID != 0 {
		where["m.provider_id"] = providerID
	}
	q := s.sql.Select(modelColumns...).
		From("models m").
		Join("providers pr ON m.provider_id = pr.id").
		Where(where).
		OrderBy("m.sequence ASC", "m.id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list models query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := make([]Model, 0)
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetModelWithProvider(ctx context.Context, modelID int64) (ModelWithProvider, error) {
	cols := append([]string{}, modelColumns...)
	cols = append(cols, "pr.id", "pr.scope_id", "pr.name", "pr.code", "pr.sequence", "pr.enc_api_key", "pr.base_url", "pr.config_json", "pr.active", "pr.created_at")
	q := s.sql.Select(cols...).
		From("models m").
		Join("providers pr ON m.provider_id = pr.id").
		Where(sq.Eq{"m.id": modelID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ModelWithProvider{}, fmt.Errorf("build model with provider query: %w", err)
	}

	var out ModelWithProvider
	var encAPIKey sql.NullString
	m, err := scanModel(s.db.QueryRowContext(ctx, sqlStr, args...),
		&out.Provider.ID,
		&out.Provider.ScopeID,
		&out.Provider.Name,
		&out.Provider.Code,
		&out.Provider.Sequence,
		&encAPIKey,
		&out.Provider.BaseURL,
		&out.Provider.ConfigJSON,
		&out.Provider.Active,
		&out.Provider.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModelWithProvider{}, ErrNotFound
		}
		return ModelWithProvider{}, fmt.Errorf("get model with provider: %w", err)
	}
	out.Model = m
	if encAPIKey.Valid {
		out.Provider.EncAPIKey = &encAPIKey.String
	}
	return out, nil
}

func (s *Store) DeleteModel(ctx context.Context, id int64) error {
	q := s.sql.Delete("models").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete model query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
