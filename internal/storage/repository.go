package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"naira-ramp/internal/journal"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	upsertJournalSQL = `INSERT INTO journal_entries (
        id,
        entry_type,
        owner_address,
        amount,
        currency,
        status,
        entry_ts,
        chain_tx_hash,
        reference,
        metadata
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO UPDATE
    SET
        status        = EXCLUDED.status,
        entry_ts      = EXCLUDED.entry_ts,
        chain_tx_hash = EXCLUDED.chain_tx_hash,
        reference     = EXCLUDED.reference,
        metadata      = journal_entries.metadata || EXCLUDED.metadata;`

	queryJournalSQL = `SELECT
        id,
        entry_type,
        owner_address,
        amount,
        currency,
        status,
        entry_ts,
        chain_tx_hash,
        reference,
        metadata
    FROM journal_entries
    WHERE ($1 = '' OR lower(owner_address) = lower($1))
      AND ($2 = '' OR entry_type = $2)
      AND ($3 = '' OR status = $3)
    ORDER BY entry_ts DESC
    LIMIT $4 OFFSET $5;`

	insertRateSampleSQL = `INSERT INTO rate_samples (
        captured_at,
        fiat_to_stable,
        stable_to_fiat,
        source,
        margin
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (captured_at) DO NOTHING;`

	listRateSamplesBetweenSQL = `SELECT
        captured_at,
        fiat_to_stable,
        stable_to_fiat,
        source,
        margin,
        created_at
    FROM rate_samples
    WHERE captured_at >= $1
      AND captured_at < $2
    ORDER BY captured_at;`
)

// Upsert inserts or updates a journal entry keyed by id.
func (s *Store) Upsert(ctx context.Context, entry journal.Entry) error {
	if s == nil || s.pool == nil {
		return ErrNotConfigured
	}

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, upsertJournalSQL,
		entry.ID,
		string(entry.Type),
		strings.ToLower(entry.OwnerAddress),
		entry.Amount,
		entry.Currency,
		entry.Status,
		entry.Timestamp,
		entry.ChainTxHash,
		entry.Reference,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert journal entry: %w", err)
	}
	return nil
}

// Query returns matching journal entries newest-first.
func (s *Store) Query(ctx context.Context, filter journal.Filter) ([]journal.Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, queryJournalSQL,
		filter.OwnerAddress,
		string(filter.Type),
		filter.Status,
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		entry, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanJournalEntry(rows pgx.Rows) (journal.Entry, error) {
	var (
		entry    journal.Entry
		kind     string
		metadata []byte
	)
	if err := rows.Scan(
		&entry.ID,
		&kind,
		&entry.OwnerAddress,
		&entry.Amount,
		&entry.Currency,
		&entry.Status,
		&entry.Timestamp,
		&entry.ChainTxHash,
		&entry.Reference,
		&metadata,
	); err != nil {
		return journal.Entry{}, fmt.Errorf("scan journal entry: %w", err)
	}
	entry.Type = journal.EntryType(kind)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return journal.Entry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return entry, nil
}

// InsertRateSample persists one rate observation.
func (s *Store) InsertRateSample(ctx context.Context, sample RateSample) error {
	if s == nil || s.pool == nil {
		return ErrNotConfigured
	}

	_, err := s.pool.Exec(ctx, insertRateSampleSQL,
		sample.CapturedAt,
		sample.FiatToStable,
		sample.StableToFiat,
		sample.Source,
		sample.Margin,
	)
	if err != nil {
		return fmt.Errorf("insert rate sample: %w", err)
	}
	return nil
}

// ListRateSamplesBetween returns rate history within [from, to).
func (s *Store) ListRateSamplesBetween(ctx context.Context, from, to time.Time) ([]RateSample, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}

	rows, err := s.pool.Query(ctx, listRateSamplesBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list rate samples: %w", err)
	}
	defer rows.Close()

	var samples []RateSample
	for rows.Next() {
		var sample RateSample
		if err := rows.Scan(
			&sample.CapturedAt,
			&sample.FiatToStable,
			&sample.StableToFiat,
			&sample.Source,
			&sample.Margin,
			&sample.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rate sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

var _ journal.Store = (*Store)(nil)
