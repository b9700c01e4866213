package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a journal entry.
type EntryType string

const (
	TypeOnramp  EntryType = "onramp"
	TypeOfframp EntryType = "offramp"
	TypeRefund  EntryType = "refund"
)

// Entry is one row of the per-owner conversion history. Entries are created
// on first settlement attempt and updated, never replaced, on each status
// change. The journal is independent of the quote ledger's working state and
// is retained indefinitely.
type Entry struct {
	ID           string // equals the quote id when derived from a quote
	Type         EntryType
	OwnerAddress string
	Amount       decimal.Decimal
	Currency     string
	Status       string
	Timestamp    time.Time
	ChainTxHash  string
	Reference    string
	Metadata     map[string]string
}

// Filter narrows a journal query. Zero values match everything.
type Filter struct {
	OwnerAddress string
	Type         EntryType
	Status       string
	Limit        int
	Offset       int
}

// Store is the append/update sink written by the settlement executors and
// read by external reporting. No other writer exists.
type Store interface {
	Upsert(ctx context.Context, entry Entry) error
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}
