package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Asset identifies the delivery token on the ledger.
type Asset struct {
	Code   string
	Issuer string
}

// SignerInfo is one signer attached to a ledger account.
type SignerInfo struct {
	Key    string `json:"key"`
	Weight int32  `json:"weight"`
	Type   string `json:"type"`
}

// ThresholdInfo is an account's operation-class thresholds.
type ThresholdInfo struct {
	Low    int32 `json:"low_threshold"`
	Medium int32 `json:"med_threshold"`
	High   int32 `json:"high_threshold"`
}

// AccountInfo is the subset of ledger account state the router inspects.
// Balances are in stroops (1e-7 units).
type AccountInfo struct {
	Pubkey     string        `json:"pubkey"`
	Sequence   int64         `json:"sequence"`
	XLMBalance int64         `json:"xlm_balance"`
	BULBalance int64         `json:"bul_balance"`
	Trusted    bool          `json:"trusted"`
	Signers    []SignerInfo  `json:"signers"`
	Thresholds ThresholdInfo `json:"thresholds"`
}

// SubmitResult reports a transaction accepted by the ledger.
type SubmitResult struct {
	Hash   string `json:"hash"`
	Ledger int32  `json:"ledger"`
}

// SequenceResolver resolves the sequence number the next transaction on
// an account must use.
type SequenceResolver interface {
	NextSequence(ctx context.Context, pubkey string) (int64, error)
}

// Client is the narrow ledger surface the router consumes. Envelopes are
// opaque base64 XDR strings and are preserved byte for byte.
type Client interface {
	SequenceResolver

	// SubmitEnvelope sends a signed envelope to the ledger. Rejections
	// come back as *RejectionError, transport failures as
	// *TransientError.
	SubmitEnvelope(ctx context.Context, envelopeXDR string) (SubmitResult, error)

	// PreauthHash derives the stable hash of an envelope, as used for
	// preauthorized-transaction signers.
	PreauthHash(envelopeXDR string) ([]byte, error)

	// Account fetches account details including token balances.
	Account(ctx context.Context, pubkey string) (AccountInfo, error)
}

// SequenceError reports a failed sequence resolution, usually because
// the account does not exist or was never funded. It is fatal: no
// envelope can be built without a sequence number.
type SequenceError struct {
	Pubkey string
	Err    error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("resolve sequence for %s: %v", e.Pubkey, e.Err)
}

func (e *SequenceError) Unwrap() error { return e.Err }

// RejectionError is a final, non-retryable rejection by the ledger.
// ResultCode carries the ledger's verbatim transaction result code and
// OperationCodes the per-operation codes when the ledger reported them.
type RejectionError struct {
	Envelope       string
	ResultCode     string
	OperationCodes []string
}

func (e *RejectionError) Error() string {
	msg := "ledger rejected transaction"
	if e.Envelope != "" {
		msg = fmt.Sprintf("ledger rejected %s transaction", e.Envelope)
	}
	if e.ResultCode != "" {
		msg += ": " + e.ResultCode
	}
	for i, code := range e.OperationCodes {
		if code != "op_success" {
			msg += fmt.Sprintf(" (operation %d: %s)", i, code)
		}
	}
	return msg
}

// TransientError is a network-layer failure. Callers own the retry
// policy: retry with backoff and bounded attempts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient ledger error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may be retried. Only transient
// transport failures qualify; ledger rejections are final.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
