package validationd

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/xrpl-labs/validationd/pkg/redis"
	"github.com/xrpl-labs/validationd/pkg/validations"
)

// incomingValidationsStream is the Redis stream the consensus-facing relay
// publishes newly signed validations to, one entry per validation, ahead
// of any UNL or currency-window check.
const incomingValidationsStream = "validations:incoming"

// runIngestConsumer wires the redis stream consumer into Collection.AddValidation,
// the path by which validations observed by the consensus driver enter the
// in-memory registry. It runs until ctx is canceled.
func (a *App) runIngestConsumer(ctx context.Context) error {
	if a.Redis == nil {
		a.Logger.Warn("Redis unavailable, validation ingestion disabled")
		return nil
	}

	consumer, err := redis.NewStreamConsumer(a.Redis, redis.StreamConsumerConfig{
		Stream: incomingValidationsStream,
		Logger: a.Logger,
	})
	if err != nil {
		return fmt.Errorf("create validation ingest consumer: %w", err)
	}

	return consumer.Run(ctx, a.handleIncomingValidation)
}

func (a *App) handleIncomingValidation(ctx context.Context, msg redis.Message) error {
	v, err := decodeValidationMessage(&msg)
	if err != nil {
		a.Logger.Warn("dropping malformed validation message", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}

	a.Collection.AddValidation(ctx, v)
	return nil
}

func decodeValidationMessage(msg *redis.Message) (*validations.Validation, error) {
	nodeIDHex, _ := msg.Values["node_id"].(string)
	ledgerHashHex, _ := msg.Values["ledger_hash"].(string)
	signerPubHex, _ := msg.Values["signer_pub"].(string)

	nodeID, err := hex.DecodeString(nodeIDHex)
	if err != nil || len(nodeID) != len(validations.NodeID{}) {
		return nil, fmt.Errorf("invalid node_id field")
	}
	ledgerHash, err := hex.DecodeString(ledgerHashHex)
	if err != nil || len(ledgerHash) != len(validations.LedgerHash{}) {
		return nil, fmt.Errorf("invalid ledger_hash field")
	}
	signerPub, err := hex.DecodeString(signerPubHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signer_pub field: %w", err)
	}

	v := &validations.Validation{
		SignerPub: signerPub,
		CloseTime: uint32(msg.GetUint64("close_time")),
		Flags:     uint32(msg.GetUint64("flags")),
		Signature: msg.GetData(),
	}
	copy(v.NodeID[:], nodeID)
	copy(v.LedgerHash[:], ledgerHash)
	return v, nil
}
