package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/qmlh/crewd/pkg/models"
)

func (s *Store) SaveRules(ctx context.Context, rules []models.Rule) error {
	return s.replaceSet(ctx, "rules", func(tx pgx.Tx) error {
		for _, r := range rules {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO rules(id, data) VALUES($1, $2)`, r.ID, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := s.Pool.Query(ctx, `SELECT data FROM rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Rule
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r models.Rule
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SavePolicySets(ctx context.Context, sets []models.PolicySet) error {
	return s.replaceSet(ctx, "policy_sets", func(tx pgx.Tx) error {
		for _, p := range sets {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO policy_sets(id, data) VALUES($1, $2)`, p.ID, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadPolicySets(ctx context.Context) ([]models.PolicySet, error) {
	rows, err := s.Pool.Query(ctx, `SELECT data FROM policy_sets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PolicySet
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p models.PolicySet
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AppendChanges(ctx context.Context, changes []models.FileChange) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, ch := range changes {
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO file_changes(id, path, agent_id, ts, data) VALUES($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`,
			ch.ID, ch.Path, ch.AgentID, ch.Timestamp.UnixNano(), data); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) LoadChanges(ctx context.Context, path string, limit int) ([]models.FileChange, error) {
	if limit <= 0 {
		limit = models.DefaultHistoryPerPath
	}
	var (
		rows pgx.Rows
		err  error
	)
	if path == "" {
		rows, err = s.Pool.Query(ctx, `SELECT data FROM file_changes ORDER BY ts DESC LIMIT $1`, limit)
	} else {
		rows, err = s.Pool.Query(ctx, `SELECT data FROM file_changes WHERE path = $1 ORDER BY ts DESC LIMIT $2`, path, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FileChange
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ch models.FileChange
		if err := json.Unmarshal(data, &ch); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) SaveConflicts(ctx context.Context, conflicts []models.Conflict) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, c := range conflicts {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO conflicts(id, path, resolved, created_at, data) VALUES($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET resolved = EXCLUDED.resolved, data = EXCLUDED.data`,
			c.ID, c.Path, c.Resolved, c.CreatedAt.UnixNano(), data); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) LoadConflicts(ctx context.Context, includeResolved bool) ([]models.Conflict, error) {
	q := `SELECT data FROM conflicts WHERE resolved = FALSE ORDER BY created_at`
	if includeResolved {
		q = `SELECT data FROM conflicts ORDER BY created_at`
	}
	rows, err := s.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Conflict
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c models.Conflict
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) replaceSet(ctx context.Context, table string, fill func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
		return err
	}
	if err := fill(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
