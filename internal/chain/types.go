package chain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Commitment is how deeply the cluster has confirmed a transaction.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// Satisfies reports whether c is at least as deep as required.
func (c Commitment) Satisfies(required Commitment) bool {
	return c.rank() > 0 && c.rank() >= required.rank()
}

// SignatureStatus is the cluster's view of a submitted transaction.
type SignatureStatus struct {
	Slot           uint64
	Commitment     Commitment
	ExecutionError string
}

// TokenBalance is a token account's balance at one point of a transaction.
// Amount is in raw integer units of the mint.
type TokenBalance struct {
	AccountIndex int
	Account      string
	Mint         string
	Owner        string
	Amount       decimal.Decimal
	Decimals     int32
}

// Transaction holds the balance-relevant parts of a confirmed transaction.
// Accounts, PreBalances and PostBalances are index-aligned; balances are in lamports.
type Transaction struct {
	Signature         string
	Slot              uint64
	BlockTime         time.Time
	Fee               uint64
	Accounts          []string
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	ExecutionError    string
}
