package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Additional-Code/settle/internal/config"
)

var rpcTracer = otel.Tracer("github.com/Additional-Code/settle/chain/rpc")

// Client talks to the chain node through the solana-go RPC client, adding rate limiting,
// retries and failure classes on top. It is safe for concurrent use and is meant to be
// constructed once and shared.
type Client struct {
	rpc        *rpc.Client
	commitment Commitment
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

type clientOptions struct {
	http *http.Client
}

// ClientOption customises a Client.
type ClientOption func(*clientOptions)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(o *clientOptions) { o.http = hc }
}

// NewClient builds a Client from configuration.
func NewClient(cfg config.Config, logger *zap.Logger, opts ...ClientOption) *Client {
	o := clientOptions{http: &http.Client{
		Timeout: cfg.Chain.RequestTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}}
	for _, opt := range opts {
		opt(&o)
	}

	headers := map[string]string{}
	if cfg.Chain.RPCToken != "" {
		headers["Authorization"] = "Bearer " + cfg.Chain.RPCToken
	}
	transport := jsonrpc.NewClientWithOpts(cfg.Chain.RPCEndpoint, &jsonrpc.RPCClientOpts{
		HTTPClient:    o.http,
		CustomHeaders: headers,
	})

	limit := rate.Inf
	if cfg.Chain.RateLimit > 0 {
		limit = rate.Limit(cfg.Chain.RateLimit)
	}
	return &Client{
		rpc:        rpc.NewWithCustomRPCClient(transport),
		commitment: Commitment(cfg.Chain.Commitment),
		limiter:    rate.NewLimiter(limit, cfg.Chain.RateBurst),
		maxRetries: cfg.Chain.MaxRetries,
		logger:     logger,
	}
}

// SignatureStatus returns the cluster status of sig, or nil when the cluster does not know it.
// A string that does not decode as a signature is unknown by definition.
func (c *Client) SignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	signature, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return nil, nil
	}

	var out *rpc.GetSignatureStatusesResult
	err = c.call(ctx, "getSignatureStatuses", func(ctx context.Context) (err error) {
		out, err = c.rpc.GetSignatureStatuses(ctx, true, signature)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	v := out.Value[0]
	return &SignatureStatus{
		Slot:           v.Slot,
		Commitment:     Commitment(v.ConfirmationStatus),
		ExecutionError: executionError(v.Err),
	}, nil
}

// Transaction fetches sig at the client's commitment, or nil when the node has no such
// transaction yet.
func (c *Client) Transaction(ctx context.Context, sig string) (*Transaction, error) {
	signature, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return nil, nil
	}
	commitment := c.commitment
	if !commitment.Satisfies(CommitmentConfirmed) {
		commitment = CommitmentConfirmed
	}
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentType(commitment),
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var out *rpc.GetTransactionResult
	err = c.call(ctx, "getTransaction", func(ctx context.Context) (err error) {
		out, err = c.rpc.GetTransaction(ctx, signature, opts)
		if errors.Is(err, rpc.ErrNotFound) {
			out = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	tx, err := convertTransaction(sig, out)
	if err != nil {
		return nil, &RPCError{Method: "getTransaction", Class: ClassPermanent, Err: err}
	}
	return tx, nil
}

func (c *Client) call(ctx context.Context, method string, fn func(context.Context) error) error {
	ctx, span := rpcTracer.Start(ctx, "chain.rpc."+method, trace.WithAttributes(attribute.String("rpc.method", method)))
	defer span.End()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(&RPCError{Method: method, Class: ClassPermanent, Err: err})
		}
		err := classify(ctx, method, fn(ctx))
		if err == nil {
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if c.logger != nil {
			c.logger.Warn("chain rpc transient failure", zap.String("method", method), zap.Int("attempt", attempt), zap.Error(err))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(c.maxRetries+1)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rpc failed")
	}
	return err
}

// classify turns a solana-go client error into an *RPCError carrying its Class.
func classify(ctx context.Context, method string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return &RPCError{Method: method, Class: classifyCode(rpcErr.Code), Code: rpcErr.Code, Message: rpcErr.Message}
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return &RPCError{Method: method, Class: classifyStatus(httpErr.Code), StatusCode: httpErr.Code}
	}
	return &RPCError{Method: method, Class: classifyTransport(ctx, err), Err: err}
}

// classifyTransport handles failures that never produced an HTTP status. A result the
// client could not decode will not decode on the next attempt either.
func classifyTransport(ctx context.Context, err error) Class {
	if ctx.Err() != nil {
		return ClassPermanent
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassPermanent
	}
	return ClassTransient
}

func executionError(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func convertTransaction(sig string, res *rpc.GetTransactionResult) (*Transaction, error) {
	if res.Meta == nil {
		return nil, errors.New("transaction has no meta")
	}
	if res.Transaction == nil {
		return nil, errors.New("transaction has no body")
	}
	parsed, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	loaded := res.Meta.LoadedAddresses
	accounts := make([]string, 0, len(parsed.Message.AccountKeys)+len(loaded.Writable)+len(loaded.ReadOnly))
	for _, keys := range []solana.PublicKeySlice{parsed.Message.AccountKeys, loaded.Writable, loaded.ReadOnly} {
		for _, key := range keys {
			accounts = append(accounts, key.String())
		}
	}
	if len(res.Meta.PreBalances) != len(accounts) || len(res.Meta.PostBalances) != len(accounts) {
		return nil, fmt.Errorf("balance arrays (%d pre, %d post) do not match %d accounts",
			len(res.Meta.PreBalances), len(res.Meta.PostBalances), len(accounts))
	}

	pre, err := convertTokenBalances(res.Meta.PreTokenBalances, accounts)
	if err != nil {
		return nil, err
	}
	post, err := convertTokenBalances(res.Meta.PostTokenBalances, accounts)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		Signature:         sig,
		Slot:              res.Slot,
		Fee:               res.Meta.Fee,
		Accounts:          accounts,
		PreBalances:       res.Meta.PreBalances,
		PostBalances:      res.Meta.PostBalances,
		PreTokenBalances:  pre,
		PostTokenBalances: post,
		ExecutionError:    executionError(res.Meta.Err),
	}
	if res.BlockTime != nil {
		tx.BlockTime = time.Unix(int64(*res.BlockTime), 0).UTC()
	}
	return tx, nil
}

func convertTokenBalances(in []rpc.TokenBalance, accounts []string) ([]TokenBalance, error) {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		idx := int(b.AccountIndex)
		if idx >= len(accounts) {
			return nil, fmt.Errorf("token balance account index %d out of range", idx)
		}
		if b.UiTokenAmount == nil {
			return nil, fmt.Errorf("token balance for account %d has no amount", idx)
		}
		amount, err := decimal.NewFromString(b.UiTokenAmount.Amount)
		if err != nil {
			return nil, fmt.Errorf("token balance amount %q: %w", b.UiTokenAmount.Amount, err)
		}
		owner := ""
		if b.Owner != nil {
			owner = b.Owner.String()
		}
		out = append(out, TokenBalance{
			AccountIndex: idx,
			Account:      accounts[idx],
			Mint:         b.Mint.String(),
			Owner:        owner,
			Amount:       amount,
			Decimals:     int32(b.UiTokenAmount.Decimals),
		})
	}
	return out, nil
}
