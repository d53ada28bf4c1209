package chain

import (
	"errors"
	"fmt"
)

// ErrPayerRequired is returned when verification is asked to accept a transfer from any
// wallet.
var ErrPayerRequired = errors.New("expected payer is required")

// Class tells callers whether an RPC failure is worth retrying.
type Class int

const (
	ClassPermanent Class = iota
	ClassTransient
	ClassUnauthorized
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassUnauthorized:
		return "unauthorized"
	default:
		return "permanent"
	}
}

// RPCError is a transport-level failure talking to the chain node.
type RPCError struct {
	Method     string
	Class      Class
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *RPCError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("chain rpc %s (%s): %v", e.Method, e.Class, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("chain rpc %s (%s): code %d: %s", e.Method, e.Class, e.Code, e.Message)
	default:
		return fmt.Sprintf("chain rpc %s (%s): http %d", e.Method, e.Class, e.StatusCode)
	}
}

func (e *RPCError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an RPC failure that may succeed on retry.
// Unauthorized responses count as transient: providers rotate keys and rate-limit with 401/403.
func IsTransient(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Class == ClassTransient || rpcErr.Class == ClassUnauthorized
}

// IsUnauthorized reports whether the node rejected our credentials.
func IsUnauthorized(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Class == ClassUnauthorized
}

func classifyStatus(status int) Class {
	switch {
	case status == 401 || status == 403:
		return ClassUnauthorized
	case status == 408 || status == 429 || status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// JSON-RPC server error codes that indicate the node is lagging or overloaded.
var transientCodes = map[int]bool{
	-32603: true, // internal error
	-32004: true, // block not available
	-32005: true, // node unhealthy / behind
	-32014: true, // block status not yet available
	-32016: true, // min context slot not reached
}

func classifyCode(code int) Class {
	if transientCodes[code] {
		return ClassTransient
	}
	return ClassPermanent
}
