// Package validations persists stale ledger validations to Postgres.
package validations

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xrpl-labs/validationd/pkg/db/postgres"
	"github.com/xrpl-labs/validationd/pkg/validations"
	"go.uber.org/zap"
)

const insertQuery = `
	INSERT INTO ledger_validations (ledger_hash, node_pub_key, flags, close_time, signature)
	VALUES ($1, $2, $3, $4, $5)
`

// Store persists validations evicted from the in-memory collection into
// the ledger_validations table. It never removes rows and assumes no
// uniqueness constraint, matching spec §6: "No index or uniqueness
// constraint is assumed."
type Store struct {
	postgres.Client
}

// New opens a Postgres-backed Store and ensures the target table exists.
func New(ctx context.Context, logger *zap.Logger, dbName string) (*Store, error) {
	client, err := postgres.New(ctx, logger.With(zap.String("db", dbName), zap.String("component", "validations")), dbName)
	if err != nil {
		return nil, err
	}

	store := &Store{Client: client}
	if err := store.initialize(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if err := s.CreateDbIfNotExists(ctx, s.TargetDatabase); err != nil {
		return fmt.Errorf("failed to create database %s: %w", s.TargetDatabase, err)
	}

	query := `
		CREATE TABLE IF NOT EXISTS ledger_validations (
			ledger_hash  TEXT NOT NULL,
			node_pub_key TEXT NOT NULL,
			flags        INTEGER NOT NULL DEFAULT 0,
			close_time   INTEGER NOT NULL,
			signature    BYTEA NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_validations_hash ON ledger_validations(ledger_hash);
	`
	return s.Exec(ctx, query)
}

// InsertBatch implements validations.Store. It persists rows inside a
// single transaction: spec §4.9 requires the whole batch committed or
// rolled back together, never partially applied.
func (s *Store) InsertBatch(ctx context.Context, rows []*validations.Validation) error {
	if len(rows) == 0 {
		return nil
	}

	return s.BeginFunc(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, v := range rows {
			batch.Queue(insertQuery,
				v.LedgerHash.String(),
				hex.EncodeToString(v.SignerPub),
				v.Flags,
				v.CloseTime,
				v.Signature,
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("ledger_validations insert %d failed: %w", i, err)
			}
		}
		return nil
	})
}
