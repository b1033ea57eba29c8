package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// LearningBatch applies one learning run's knowledge-graph mutations
// inside a single transaction. Either every mutation in the run
// commits, or none does; a rejected spike is not a failure, it simply
// applies nothing for that outcome.
type LearningBatch struct {
	s  *Tier2Store
	tx *sql.Tx
}

// ApplyLearningBatch runs fn in one transaction watermarked by the
// consumer's high event id. When the watermark already covers upTo the
// batch was applied by an earlier run whose cursor advance failed; fn
// is skipped and applied is false, so replaying the same events cannot
// double-apply their mutations.
func (s *Tier2Store) ApplyLearningBatch(ctx context.Context, consumer string, upTo int64,
	fn func(b *LearningBatch) error) (applied bool, err error) {

	if consumer == "" {
		return false, fmt.Errorf("consumer name required")
	}

	s.barrier.Lock()
	defer s.barrier.Unlock()

	// No retry wrapper here: fn carries caller state that must not be
	// replayed within one call. The busy timeout covers lock contention.
	err = inTx(ctx, s.db, func(tx *sql.Tx) error {
		var mark int64
		err := tx.QueryRowContext(ctx,
			"SELECT event_id FROM learning_watermarks WHERE consumer = ?", consumer).Scan(&mark)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read watermark: %w", err)
		}
		if mark >= upTo {
			logging.Store("Batch through event %d already applied for %s; skipping", upTo, consumer)
			return nil
		}

		if err := fn(&LearningBatch{s: s, tx: tx}); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO learning_watermarks (consumer, event_id) VALUES (?, ?)
			 ON CONFLICT(consumer) DO UPDATE SET event_id = excluded.event_id`,
			consumer, upTo); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, types.StorageErr("apply learning batch", err)
	}
	return applied, nil
}

// Reinforce applies one routing outcome within the batch. A spike-guard
// rejection returns a KindAnomalyDetected error and writes nothing for
// this pattern; the batch transaction stays usable.
func (b *LearningBatch) Reinforce(ctx context.Context, patternID string, success bool) (*Pattern, error) {
	return b.s.reinforceOn(ctx, b.tx, patternID, success, 1)
}

// LearnPattern inserts a new pattern within the batch. The three-example
// floor applies; there is no force path here.
func (b *LearningBatch) LearnPattern(ctx context.Context, cand PatternCandidate) (*Pattern, error) {
	p, err := b.s.buildPattern(cand, false)
	if err != nil {
		return nil, err
	}
	if err := insertPatternOn(ctx, b.tx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByExactTrigger looks a trigger phrase up through the batch's
// transaction, so patterns learned earlier in the same batch are
// visible.
func (b *LearningBatch) FindByExactTrigger(ctx context.Context, phrase string) (*Pattern, error) {
	return findByExactTriggerOn(ctx, b.tx, phrase)
}

// RecordCorrection stores a user correction within the batch.
func (b *LearningBatch) RecordCorrection(ctx context.Context, mistakeType, correction, context string) error {
	return recordCorrectionOn(ctx, b.tx, mistakeType, correction, context)
}

// ObserveFileEdit bumps a file's modification counter within the batch.
func (b *LearningBatch) ObserveFileEdit(ctx context.Context, path string) error {
	return observeFileEditOn(ctx, b.tx, path)
}

// ObserveCoModification records a co-modification edge within the batch.
func (b *LearningBatch) ObserveCoModification(ctx context.Context, a, bPath, relType string) error {
	return observeCoModificationOn(ctx, b.tx, a, bPath, relType)
}
