package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cortex/internal/types"
)

// FileRelation is one co-modification edge between two files. Rate is
// joint modifications over the busier file's total, so it stays in
// [0,1].
type FileRelation struct {
	FileA            string
	FileB            string
	RelationshipType string
	CoModifications  int
	Rate             float64
	UpdatedAt        time.Time
}

// ObserveFileEdit bumps a file's modification counter. Relationship
// rates are computed against these totals.
func (s *Tier2Store) ObserveFileEdit(ctx context.Context, path string) error {
	s.barrier.RLock()
	defer s.barrier.RUnlock()
	return observeFileEditOn(ctx, s.db, path)
}

func observeFileEditOn(ctx context.Context, q dbtx, path string) error {
	if path == "" {
		return fmt.Errorf("file path required")
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO file_activity (path, modifications, updated_at) VALUES (?, 1, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   modifications = modifications + 1,
		   updated_at = excluded.updated_at`,
		path, nowMillis())
	return types.StorageErr("observe file edit", err)
}

// ObserveCoModification records that two files changed together. The
// pair is stored in normalized order so (a,b) and (b,a) are the same
// edge.
func (s *Tier2Store) ObserveCoModification(ctx context.Context, a, b, relType string) error {
	s.barrier.RLock()
	defer s.barrier.RUnlock()
	return observeCoModificationOn(ctx, s.db, a, b, relType)
}

func observeCoModificationOn(ctx context.Context, q dbtx, a, b, relType string) error {
	if a == "" || b == "" || a == b {
		return fmt.Errorf("co-modification needs two distinct paths")
	}
	if relType == "" {
		relType = "co_modified"
	}
	if a > b {
		a, b = b, a
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO file_relationships (file_a, file_b, relationship_type, co_modifications, updated_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(file_a, file_b, relationship_type) DO UPDATE SET
		   co_modifications = co_modifications + 1,
		   updated_at = excluded.updated_at`,
		a, b, relType, nowMillis())
	return types.StorageErr("observe co-modification", err)
}

// RelationsFor returns the strongest relationships touching a path,
// rate descending.
func (s *Tier2Store) RelationsFor(ctx context.Context, path string, limit int) ([]FileRelation, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.file_a, r.file_b, r.relationship_type, r.co_modifications, r.updated_at,
		        COALESCE(fa.modifications, 0), COALESCE(fb.modifications, 0)
		 FROM file_relationships r
		 LEFT JOIN file_activity fa ON fa.path = r.file_a
		 LEFT JOIN file_activity fb ON fb.path = r.file_b
		 WHERE r.file_a = ? OR r.file_b = ?`,
		path, path)
	if err != nil {
		return nil, types.StorageErr("query relations", err)
	}
	defer rows.Close()

	var rels []FileRelation
	for rows.Next() {
		var rel FileRelation
		var updated int64
		var modsA, modsB int
		if err := rows.Scan(&rel.FileA, &rel.FileB, &rel.RelationshipType,
			&rel.CoModifications, &updated, &modsA, &modsB); err != nil {
			return nil, types.StorageErr("scan relation", err)
		}
		rel.UpdatedAt = millisToTime(updated)
		denom := modsA
		if modsB > denom {
			denom = modsB
		}
		if denom > 0 {
			rel.Rate = float64(rel.CoModifications) / float64(denom)
			if rel.Rate > 1 {
				rel.Rate = 1
			}
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Highest rate first, co-modification count as tiebreak.
	for i := 1; i < len(rels); i++ {
		for j := i; j > 0; j-- {
			prev, cur := rels[j-1], rels[j]
			if prev.Rate > cur.Rate || (prev.Rate == cur.Rate && prev.CoModifications >= cur.CoModifications) {
				break
			}
			rels[j-1], rels[j] = cur, prev
		}
	}
	if len(rels) > limit {
		rels = rels[:limit]
	}
	return rels, nil
}

// DecayRelations halves stale co-modification counters, dropping edges
// that reach zero. Mirrors pattern decay on the relationship table.
func (s *Tier2Store) DecayRelations(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	s.barrier.Lock()
	defer s.barrier.Unlock()

	cutoff := now.Add(-staleAfter).UnixMilli()
	var touched int

	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE file_relationships
			 SET co_modifications = co_modifications / 2
			 WHERE updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("decay relations: %w", err)
		}
		n, _ := res.RowsAffected()
		touched = int(n)

		_, err = tx.ExecContext(ctx,
			"DELETE FROM file_relationships WHERE co_modifications <= 0")
		return err
	})
	if err != nil {
		return 0, types.StorageErr("decay relations", err)
	}
	return touched, nil
}
