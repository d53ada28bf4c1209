package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/settle/internal/entity"
)

var verifierTracer = otel.Tracer("github.com/Additional-Code/settle/chain/verifier")

// Source is the read-only view of the chain the Verifier needs.
type Source interface {
	SignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error)
	Transaction(ctx context.Context, sig string) (*Transaction, error)
}

// Reason names why a transaction does not prove payment.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNotFound            Reason = "not_found"
	ReasonChainExecutionError Reason = "chain_execution_error"
	ReasonNotFinalized        Reason = "not_finalized"
	ReasonAmbiguousTransfer   Reason = "ambiguous_transfer"
	ReasonAmountMismatch      Reason = "amount_mismatch"
	ReasonPayerMismatch       Reason = "payer_mismatch"
	ReasonRecipientMismatch   Reason = "recipient_mismatch"
)

// Retryable reports whether the same transaction may verify later without resubmission.
func (r Reason) Retryable() bool {
	return r == ReasonNotFinalized
}

// Terms are what the buyer was asked to pay.
type Terms struct {
	Amount    decimal.Decimal
	Payer     string
	Recipient string
	Token     entity.TokenKind
}

// Rejection is the error form of a failed verification.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Result is the outcome of verifying one transaction against expected terms.
type Result struct {
	Valid     bool
	Signature string
	Amount    decimal.Decimal
	Payer     string
	Recipient string
	Token     entity.TokenKind
	Reason    Reason
	Detail    string
}

// Err returns the rejection, or nil for a valid result.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &Rejection{Reason: r.Reason, Detail: r.Detail}
}

// Verifier decides whether a chain transaction pays an order. It never writes anywhere.
type Verifier struct {
	source          Source
	commitment      Commitment
	nativeTolerance decimal.Decimal
}

// NewVerifier builds a Verifier requiring the given commitment depth.
func NewVerifier(source Source, commitment Commitment, nativeTolerance decimal.Decimal) *Verifier {
	return &Verifier{source: source, commitment: commitment, nativeTolerance: nativeTolerance}
}

// Verify checks sig against terms. Expected rejections are reported in the Result; the error
// is reserved for transport failures (see IsTransient) and for terms without a payer.
func (v *Verifier) Verify(ctx context.Context, sig string, terms Terms) (Result, error) {
	if strings.TrimSpace(terms.Payer) == "" {
		return Result{Signature: sig, Token: terms.Token}, ErrPayerRequired
	}
	ctx, span := verifierTracer.Start(ctx, "chain.Verify", trace.WithAttributes(
		attribute.String("chain.signature", sig),
		attribute.String("chain.token", terms.Token.String()),
	))
	defer span.End()

	res := Result{Signature: sig, Token: terms.Token}

	status, err := v.source.SignatureStatus(ctx, sig)
	if err != nil {
		return res, err
	}
	if status == nil {
		return reject(res, ReasonNotFound, "signature unknown to the cluster"), nil
	}
	if status.ExecutionError != "" {
		return reject(res, ReasonChainExecutionError, status.ExecutionError), nil
	}
	if !status.Commitment.Satisfies(v.commitment) {
		return reject(res, ReasonNotFinalized, fmt.Sprintf("status %q, need %q", status.Commitment, v.commitment)), nil
	}

	tx, err := v.source.Transaction(ctx, sig)
	if err != nil {
		return res, err
	}
	if tx == nil {
		return reject(res, ReasonNotFound, "transaction detail unavailable"), nil
	}
	if tx.ExecutionError != "" {
		return reject(res, ReasonChainExecutionError, tx.ExecutionError), nil
	}

	var t transfer
	var ok bool
	if terms.Token.IsNative() {
		t, ok = nativeTransfer(tx)
	} else {
		t, ok = tokenTransfer(tx, terms.Token.Mint)
	}
	if !ok {
		return reject(res, ReasonAmbiguousTransfer, "no single payer and recipient"), nil
	}
	res.Amount, res.Payer, res.Recipient = t.amount, t.payer, t.recipient
	if !terms.Token.IsNative() {
		res.Token.Decimals = t.decimals
	}

	span.SetAttributes(
		attribute.String("chain.amount", t.amount.String()),
		attribute.String("chain.recipient", t.recipient),
	)

	if !strings.EqualFold(t.recipient, terms.Recipient) {
		return reject(res, ReasonRecipientMismatch, fmt.Sprintf("paid %s, expected %s", t.recipient, terms.Recipient)), nil
	}
	if !v.amountMatches(t, terms) {
		return reject(res, ReasonAmountMismatch, fmt.Sprintf("paid %s, expected %s", t.amount, terms.Amount)), nil
	}
	if !strings.EqualFold(t.payer, terms.Payer) {
		return reject(res, ReasonPayerMismatch, fmt.Sprintf("paid by %s, expected %s", t.payer, terms.Payer)), nil
	}

	res.Valid = true
	return res, nil
}

// Native transfers absorb rounding within the configured tolerance; tokens compare exactly at
// the mint's precision.
func (v *Verifier) amountMatches(t transfer, terms Terms) bool {
	if terms.Token.IsNative() {
		return t.amount.Sub(terms.Amount).Abs().LessThanOrEqual(v.nativeTolerance)
	}
	return t.amount.Equal(terms.Amount.Round(t.decimals))
}

func reject(res Result, reason Reason, detail string) Result {
	res.Valid = false
	res.Reason = reason
	res.Detail = detail
	return res
}

type transfer struct {
	amount    decimal.Decimal
	payer     string
	recipient string
	decimals  int32
}

// nativeTransfer picks the single account with the largest lamport gain as recipient and the
// single account that lost exactly that much (plus the fee, for the fee payer) as payer.
func nativeTransfer(tx *Transaction) (transfer, bool) {
	deltas := make([]int64, len(tx.Accounts))
	for i := range tx.Accounts {
		deltas[i] = int64(tx.PostBalances[i]) - int64(tx.PreBalances[i])
	}

	recipient, gain, ok := uniqueMax(deltas)
	if !ok {
		return transfer{}, false
	}

	payer := -1
	for i, d := range deltas {
		matches := d == -gain || (i == 0 && d == -(gain+int64(tx.Fee)))
		if !matches {
			continue
		}
		if payer >= 0 {
			return transfer{}, false
		}
		payer = i
	}
	if payer < 0 {
		return transfer{}, false
	}

	return transfer{
		amount:    decimal.New(gain, -entity.NativeDecimals),
		payer:     tx.Accounts[payer],
		recipient: tx.Accounts[recipient],
		decimals:  entity.NativeDecimals,
	}, true
}

func uniqueMax(deltas []int64) (int, int64, bool) {
	idx, best, ties := -1, int64(0), 0
	for i, d := range deltas {
		switch {
		case d <= 0:
		case d > best:
			idx, best, ties = i, d, 1
		case d == best:
			ties++
		}
	}
	return idx, best, idx >= 0 && ties == 1
}

// tokenTransfer aggregates balance changes of the mint's token accounts per owning wallet.
func tokenTransfer(tx *Transaction, mint string) (transfer, bool) {
	deltas := map[string]decimal.Decimal{}
	var order []string
	decimals := int32(-1)

	apply := func(balances []TokenBalance, sign int64) {
		for _, b := range balances {
			if b.Mint != mint {
				continue
			}
			owner := b.Owner
			if owner == "" {
				owner = b.Account
			}
			if _, seen := deltas[owner]; !seen {
				order = append(order, owner)
			}
			deltas[owner] = deltas[owner].Add(b.Amount.Mul(decimal.NewFromInt(sign)))
			decimals = b.Decimals
		}
	}
	apply(tx.PreTokenBalances, -1)
	apply(tx.PostTokenBalances, 1)

	if decimals < 0 {
		return transfer{}, false
	}

	recipient, ties := "", 0
	best := decimal.Zero
	for _, owner := range order {
		d := deltas[owner]
		switch {
		case !d.IsPositive():
		case d.GreaterThan(best):
			recipient, best, ties = owner, d, 1
		case d.Equal(best):
			ties++
		}
	}
	if recipient == "" || ties != 1 {
		return transfer{}, false
	}

	payer := ""
	for _, owner := range order {
		if !deltas[owner].Equal(best.Neg()) {
			continue
		}
		if payer != "" {
			return transfer{}, false
		}
		payer = owner
	}
	if payer == "" {
		return transfer{}, false
	}

	return transfer{
		amount:    best.Shift(-decimals),
		payer:     payer,
		recipient: recipient,
		decimals:  decimals,
	}, true
}
