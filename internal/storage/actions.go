package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var actionColumns = []string{
	"id", "scope_id", "name", "target_model", "ai_model_id", "prompt_template", "report_id", "report_name",
	"include_all_attachments", "include_chatter", "output_destination", "output_field_name", "output_field_model",
	"output_field_type", "created_at",
}

func scanAction(row rowScanner) (Action, error) {
	var a Action
	var modelID, reportID sql.NullInt64
	if err := row.Scan(
		&a.ID,
		&a.ScopeID,
		&a.Name,
		&a.TargetModel,
		&modelID,
		&a.PromptTemplate,
		&reportID,
		&a.ReportName,
		&a.IncludeAllAttachments,
		&a.IncludeChatter,
		&a.OutputDestination,
		&a.OutputFieldName,
		&a.OutputFieldModel,
		&a.OutputFieldType,
		&a.CreatedAt,
	); err != nil {
		return Action{}, err
	}
	if modelID.Valid {
		a.AIModelID = &modelID.Int64
	}
	if reportID.Valid {
		a.ReportID = &reportID.Int64
	}
	return a, nil
}

// SaveAction inserts the action when its ID is zero and updates it otherwise.
func (s *Store) SaveAction(ctx context.Context, a Action) (int64, error) {
	if err := a.Normalize(); err != nil {
		return 0, err
	}
	if a.ID == 0 {
		q := s.sql.Insert("actions").
			Columns(
				"scope_id", "name", "target_model", "ai_model_id", "prompt_template", "report_id", "report_name",
				"include_all_attachments", "include_chatter", "output_destination", "output_field_name",
				"output_field_model", "output_field_type",
			).
			Values(
				a.ScopeID, a.Name, a.TargetModel, a.AIModelID, a.PromptTemplate, a.ReportID, a.ReportName,
				a.IncludeAllAttachments, a.IncludeChatter, a.OutputDestination, a.OutputFieldName,
				a.OutputFieldModel, a.OutputFieldType,
			).
			Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build action insert query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert action: %w", err)
		}
		return id, nil
	}

	q := s.sql.Update("actions").
		SetMap(map[string]any{
			"scope_id":                a.ScopeID,
			"name":                    a.Name,
			"target_model":            a.TargetModel,
			"ai_model_id":             a.AIModelID,
			"prompt_template":         a.PromptTemplate,
			"report_id":               a.ReportID,
			"report_name":             a.ReportName,
			"include_all_attachments": a.IncludeAllAttachments,
			"include_chatter":         a.IncludeChatter,
			"output_destination":      a.OutputDestination,
			"output_field_name":       a.OutputFieldName,
			"output_field_model":      a.OutputFieldModel,
			"output_field_type":       a.OutputFieldType,
		}).
		Where(sq.Eq{"id": a.ID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build action update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("update action: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return 0, ErrNotFound
	}
	return a.ID, nil
}

func (s *Store) GetAction(ctx context.Context, id int64) (Action, error) {
	q := s.sql.Select(actionColumns...).From("actions").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Action{}, fmt.Errorf("build action by id query: %w", err)
	}
	a, err := scanAction(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, ErrNotFound
		}
		return Action{}, fmt.Errorf("get action: %w", err)
	}
	return a, nil
}

func (s *Store) ListActions(ctx context.Context, scopeID int64) ([]Action, error) {
	q := s.sql.Select(actionColumns...).
		From("actions").
		Where(sq.Eq{"scope_id": scopeID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list actions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	out := make([]Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAction(ctx context.Context, id int64) error {
	q := s.sql.Delete("actions").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete action query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) LogGenerations(ctx context.Context, entries []GenerationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	q := s.sql.Insert("generation_log").Columns("action_id", "record_model", "record_id", "stage", "error")
	for _, e := range entries {
		q = q.Values(e.ActionID, e.RecordModel, e.RecordID, e.Stage, e.Error)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build generation log insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert generation log: %w", err)
	}
	return nil
}

func (s *Store) ListGenerations(ctx context.Context, actionID int64, limit uint64) ([]GenerationEntry, error) {
	if limit == 0 {
		limit = 100
	}
	q := s.sql.Select("id", "action_id", "record_model", "record_id", "stage", "error", "created_at").
		From("generation_log").
		Where(sq.Eq{"action_id": actionID}).
		OrderBy("id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list generations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	out := make([]GenerationEntry, 0)
	for rows.Next() {
		var e GenerationEntry
		if err := rows.Scan(&e.ID, &e.ActionID, &e.RecordModel, &e.RecordID, &e.Stage, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generation rows: %w", err)
	}
	return out, nil
}
