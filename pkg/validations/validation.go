// Package validations implements the in-memory registry and durability
// pipeline for signed ledger validations published by consensus nodes.
package validations

import (
	"context"
	"encoding/hex"
)

// Seconds is a whole-second quantity, the unit of close times and of the
// externally supplied ledger max interval that governs every currency window.
type Seconds = uint32

// NodeID is the 160-bit hash of a validator's signing public key.
type NodeID [20]byte

// String renders the node id as lowercase hex.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// LedgerHash is the 256-bit identifier of a proposed or closed ledger.
type LedgerHash [32]byte

// String renders the ledger hash as lowercase hex.
func (h LedgerHash) String() string {
	return hex.EncodeToString(h[:])
}

// Validation is an immutable, signed statement "node N asserts ledger L was
// closed at time T". It is produced and cryptographically verified outside
// this package; Trusted is the only field this package ever mutates, and it
// is only ever set, never cleared, once on ingest.
type Validation struct {
	SignerPub  []byte
	NodeID     NodeID
	LedgerHash LedgerHash
	CloseTime  uint32
	Flags      uint32
	Signature  []byte
	Trusted    bool
}

// Clock supplies the network's current consensus close time, not wall
// clock time. Production implementations live outside this package.
type Clock interface {
	NowCloseTime() uint32
}

// UNL answers whether a node id belongs to the local Unique Node List.
// Production implementations live outside this package.
type UNL interface {
	Contains(ctx context.Context, node NodeID) bool
}
