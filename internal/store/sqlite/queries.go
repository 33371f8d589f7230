package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/qmlh/crewd/pkg/models"
)

// Records are stored as JSON blobs keyed by id; the relational columns exist
// only for the queries the daemon actually runs (path lookups, pending
// conflicts). Save* calls replace the whole set, matching the snapshot model.

func (s *Store) SaveRules(ctx context.Context, rules []models.Rule) error {
	return s.replaceSet(ctx, "rules", func(tx *sql.Tx) error {
		for _, r := range rules {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO rules(id, data) VALUES(?, ?)`, r.ID, string(data)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT data FROM rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.Rule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r models.Rule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SavePolicySets(ctx context.Context, sets []models.PolicySet) error {
	return s.replaceSet(ctx, "policy_sets", func(tx *sql.Tx) error {
		for _, p := range sets {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO policy_sets(id, data) VALUES(?, ?)`, p.ID, string(data)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadPolicySets(ctx context.Context) ([]models.PolicySet, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT data FROM policy_sets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.PolicySet
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p models.PolicySet
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AppendChanges(ctx context.Context, changes []models.FileChange) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, ch := range changes {
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO file_changes(id, path, agent_id, ts, data) VALUES(?, ?, ?, ?, ?)`,
			ch.ID, ch.Path, ch.AgentID, ch.Timestamp.UnixNano(), string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LoadChanges(ctx context.Context, path string, limit int) ([]models.FileChange, error) {
	if limit <= 0 {
		limit = models.DefaultHistoryPerPath
	}
	var (
		rows *sql.Rows
		err  error
	)
	if path == "" {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT data FROM file_changes ORDER BY ts DESC LIMIT ?`, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT data FROM file_changes WHERE path = ? ORDER BY ts DESC LIMIT ?`, path, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.FileChange
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ch models.FileChange
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first, matching the in-memory tracker.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) SaveConflicts(ctx context.Context, conflicts []models.Conflict) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, c := range conflicts {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		resolved := 0
		if c.Resolved {
			resolved = 1
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO conflicts(id, path, resolved, created_at, data) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET resolved = excluded.resolved, data = excluded.data`,
			c.ID, c.Path, resolved, c.CreatedAt.UnixNano(), string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LoadConflicts(ctx context.Context, includeResolved bool) ([]models.Conflict, error) {
	q := `SELECT data FROM conflicts WHERE resolved = 0 ORDER BY created_at`
	if includeResolved {
		q = `SELECT data FROM conflicts ORDER BY created_at`
	}
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.Conflict
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c models.Conflict
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// replaceSet clears a table and repopulates it in one transaction.
func (s *Store) replaceSet(ctx context.Context, table string, fill func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
		return err
	}
	if err := fill(tx); err != nil {
		return err
	}
	return tx.Commit()
}
