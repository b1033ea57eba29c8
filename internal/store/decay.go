package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// DecayAction names what a decay pass did to one pattern.
type DecayAction string

const (
	DecayReduced DecayAction = "reduced"
	DecayMarked  DecayAction = "marked"
	DecayDeleted DecayAction = "deleted"
)

// DecayChange records one pattern touched by a decay pass.
type DecayChange struct {
	PatternID     string
	Action        DecayAction
	OldConfidence float64
	NewConfidence float64
	AgeDays       int
}

// MergeChange records one consolidation merge.
type MergeChange struct {
	WinnerID   string
	LoserID    string
	Similarity float64
}

// DecayPass ages the knowledge graph. For each pattern the strongest
// applicable tier applies exactly once per logical day:
//
//	days[0]: confidence x0.90
//	days[1]: confidence x0.75
//	days[2]: mark delete candidate when confidence < 0.50
//	days[3]: delete (pinned patterns are never deleted)
//
// The whole pass runs in one transaction; any failure rolls back every
// change. Confidence never increases here.
func (s *Tier2Store) DecayPass(ctx context.Context, now time.Time, days [4]int) ([]DecayChange, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Tier2.DecayPass")
	defer timer.StopWithInfo()

	s.barrier.Lock()
	defer s.barrier.Unlock()

	today := logicalDay(now)
	var changes []DecayChange

	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, confidence, pinned, delete_candidate, last_used_at
			 FROM patterns WHERE decay_day < ?`, today)
		if err != nil {
			return fmt.Errorf("select decay candidates: %w", err)
		}

		type row struct {
			id         string
			confidence float64
			pinned     bool
			marked     bool
			lastUsed   int64
		}
		var candidates []row
		for rows.Next() {
			var r row
			var pinned, marked int
			if err := rows.Scan(&r.id, &r.confidence, &pinned, &marked, &r.lastUsed); err != nil {
				rows.Close()
				return fmt.Errorf("scan decay candidate: %w", err)
			}
			r.pinned = pinned != 0
			r.marked = marked != 0
			candidates = append(candidates, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range candidates {
			ageDays := int(now.Sub(millisToTime(r.lastUsed)).Hours() / 24)
			change := DecayChange{PatternID: r.id, OldConfidence: r.confidence, AgeDays: ageDays}

			switch {
			case ageDays >= days[3] && !r.pinned:
				if _, err := tx.ExecContext(ctx, "DELETE FROM patterns WHERE id = ?", r.id); err != nil {
					return fmt.Errorf("delete aged pattern: %w", err)
				}
				if _, err := tx.ExecContext(ctx, "DELETE FROM triggers_fts WHERE pattern_id = ?", r.id); err != nil {
					return fmt.Errorf("deindex aged pattern: %w", err)
				}
				change.Action = DecayDeleted
				change.NewConfidence = 0

			case ageDays >= days[2]:
				if r.confidence >= 0.50 || r.marked {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					"UPDATE patterns SET delete_candidate = 1, decay_day = ? WHERE id = ?",
					today, r.id); err != nil {
					return fmt.Errorf("mark delete candidate: %w", err)
				}
				change.Action = DecayMarked
				change.NewConfidence = r.confidence

			case ageDays >= days[1]:
				change.Action = DecayReduced
				change.NewConfidence = r.confidence * 0.75
				if err := applyDecayConfidence(ctx, tx, r.id, change.NewConfidence, today); err != nil {
					return err
				}

			case ageDays >= days[0]:
				change.Action = DecayReduced
				change.NewConfidence = r.confidence * 0.90
				if err := applyDecayConfidence(ctx, tx, r.id, change.NewConfidence, today); err != nil {
					return err
				}

			default:
				continue
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, types.StorageErr("decay pass", err)
	}

	logging.Store("Decay pass touched %d patterns", len(changes))
	return changes, nil
}

func applyDecayConfidence(ctx context.Context, tx *sql.Tx, id string, conf float64, day int) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE patterns SET confidence = ?, decay_day = ? WHERE id = ?",
		conf, day, id); err != nil {
		return fmt.Errorf("apply decay: %w", err)
	}
	return nil
}

// logicalDay collapses a timestamp to a UTC day number, the unit of
// decay idempotence.
func logicalDay(t time.Time) int {
	u := t.UTC()
	return u.Year()*10000 + int(u.Month())*100 + u.Day()
}

// ConsolidatePass merges near-duplicate patterns: same intent, trigger
// sets with Jaccard similarity at or above the threshold. The higher
// confidence pattern wins; triggers union, outcome counters sum, the
// confidence is recomputed from the summed counters, and context
// requirements survive if either side had them. Runs to a fixed point
// in a single transaction, so a second pass in the same state merges
// nothing.
func (s *Tier2Store) ConsolidatePass(ctx context.Context, similarity float64) ([]MergeChange, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Tier2.ConsolidatePass")
	defer timer.StopWithInfo()

	s.barrier.Lock()
	defer s.barrier.Unlock()

	type pat struct {
		id        string
		intent    string
		success   int
		failed    int
		reqCtx    bool
		pinned    bool
		createdAt int64
		lastUsed  int64
		triggers  []string
		deleted   bool
		dirty     bool
	}

	var merges []MergeChange
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, intent, successful_routes, failed_routes, requires_context,
			        pinned, created_at, last_used_at
			 FROM patterns ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("load patterns: %w", err)
		}
		var pats []*pat
		for rows.Next() {
			p := &pat{}
			var reqCtx, pinned int
			if err := rows.Scan(&p.id, &p.intent, &p.success, &p.failed,
				&reqCtx, &pinned, &p.createdAt, &p.lastUsed); err != nil {
				rows.Close()
				return fmt.Errorf("scan pattern: %w", err)
			}
			p.reqCtx = reqCtx != 0
			p.pinned = pinned != 0
			pats = append(pats, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		trigRows, err := tx.QueryContext(ctx, "SELECT pattern_id, phrase FROM triggers")
		if err != nil {
			return fmt.Errorf("load triggers: %w", err)
		}
		byID := make(map[string]*pat, len(pats))
		for _, p := range pats {
			byID[p.id] = p
		}
		for trigRows.Next() {
			var id, phrase string
			if err := trigRows.Scan(&id, &phrase); err != nil {
				trigRows.Close()
				return fmt.Errorf("scan trigger: %w", err)
			}
			if p := byID[id]; p != nil {
				p.triggers = append(p.triggers, phrase)
			}
		}
		trigRows.Close()
		if err := trigRows.Err(); err != nil {
			return err
		}

		// Merge to fixed point in memory, then write back once.
		for {
			merged := false
			for i := 0; i < len(pats) && !merged; i++ {
				if pats[i].deleted {
					continue
				}
				for j := i + 1; j < len(pats); j++ {
					a, b := pats[i], pats[j]
					if b.deleted || a.intent != b.intent {
						continue
					}
					sim := Jaccard(a.triggers, b.triggers)
					if sim < similarity {
						continue
					}

					winner, loser := a, b
					confA := confidenceOf(a.success, a.failed)
					confB := confidenceOf(b.success, b.failed)
					if confB > confA {
						winner, loser = b, a
					}

					winner.triggers = dedupePhrases(append(winner.triggers, loser.triggers...))
					winner.success += loser.success
					winner.failed += loser.failed
					winner.reqCtx = winner.reqCtx || loser.reqCtx
					winner.pinned = winner.pinned || loser.pinned
					if loser.lastUsed > winner.lastUsed {
						winner.lastUsed = loser.lastUsed
					}
					winner.dirty = true
					loser.deleted = true
					merges = append(merges, MergeChange{
						WinnerID:   winner.id,
						LoserID:    loser.id,
						Similarity: sim,
					})
					merged = true
					break
				}
			}
			if !merged {
				break
			}
		}

		for _, p := range pats {
			switch {
			case p.deleted:
				if _, err := tx.ExecContext(ctx, "DELETE FROM patterns WHERE id = ?", p.id); err != nil {
					return fmt.Errorf("delete merged pattern: %w", err)
				}
				if _, err := tx.ExecContext(ctx, "DELETE FROM triggers_fts WHERE pattern_id = ?", p.id); err != nil {
					return fmt.Errorf("deindex merged pattern: %w", err)
				}
			case p.dirty:
				if _, err := tx.ExecContext(ctx,
					`UPDATE patterns
					 SET successful_routes = ?, failed_routes = ?, confidence = ?,
					     requires_context = ?, pinned = ?, last_used_at = ?, delete_candidate = 0
					 WHERE id = ?`,
					p.success, p.failed, confidenceOf(p.success, p.failed),
					boolToInt(p.reqCtx), boolToInt(p.pinned), p.lastUsed, p.id); err != nil {
					return fmt.Errorf("update merged pattern: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					"DELETE FROM triggers WHERE pattern_id = ?", p.id); err != nil {
					return fmt.Errorf("reset triggers: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					"DELETE FROM triggers_fts WHERE pattern_id = ?", p.id); err != nil {
					return fmt.Errorf("reset trigger index: %w", err)
				}
				if err := insertTriggersOn(ctx, tx, p.id, p.triggers); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, types.StorageErr("consolidate pass", err)
	}

	if len(merges) > 0 {
		logging.Store("Consolidation merged %d pattern pairs", len(merges))
	}
	return merges, nil
}
