package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
)

// horizonAPI is the subset of horizonclient.Client the router uses.
// Narrowed so tests can fake the horizon server.
type horizonAPI interface {
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransactionXDR(transactionXdr string) (hProtocol.Transaction, error)
	Fund(addr string) (hProtocol.Transaction, error)
}

// Horizon is a ledger Client backed by a Stellar horizon server.
type Horizon struct {
	api        horizonAPI
	passphrase string
	token      Asset
	logger     *slog.Logger
}

// NewHorizon creates a client for the horizon server at horizonURL.
func NewHorizon(horizonURL, passphrase string, token Asset, logger *slog.Logger) *Horizon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Horizon{
		api: &horizonclient.Client{
			HorizonURL: horizonURL,
			HTTP:       &http.Client{Timeout: 30 * time.Second},
		},
		passphrase: passphrase,
		token:      token,
		logger:     logger,
	}
}

// Passphrase returns the network passphrase envelopes are bound to.
func (h *Horizon) Passphrase() string { return h.passphrase }

// Token returns the delivery token asset.
func (h *Horizon) Token() Asset { return h.token }

// NextSequence returns the sequence number the next transaction on the
// account must use (the account's current sequence plus one).
func (h *Horizon) NextSequence(ctx context.Context, pubkey string) (int64, error) {
	account, err := h.api.AccountDetail(horizonclient.AccountRequest{AccountID: pubkey})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return 0, &SequenceError{Pubkey: pubkey, Err: err}
		}
		return 0, classifyHorizonError(err, "")
	}
	sequence, err := account.GetSequenceNumber()
	if err != nil {
		return 0, fmt.Errorf("parse sequence of %s: %w", pubkey, err)
	}
	return sequence + 1, nil
}

// SubmitEnvelope sends a signed envelope to the ledger.
func (h *Horizon) SubmitEnvelope(ctx context.Context, envelopeXDR string) (SubmitResult, error) {
	resp, err := h.api.SubmitTransactionXDR(envelopeXDR)
	if err != nil {
		return SubmitResult{}, classifyHorizonError(err, envelopeKind(envelopeXDR))
	}
	return SubmitResult{Hash: resp.Hash, Ledger: resp.Ledger}, nil
}

// PreauthHash derives the network-bound hash of an envelope for use as a
// preauthorized-transaction signer key.
func (h *Horizon) PreauthHash(envelopeXDR string) ([]byte, error) {
	return EnvelopeHash(envelopeXDR, h.passphrase)
}

// Account fetches account details, including XLM and delivery-token
// balances.
func (h *Horizon) Account(ctx context.Context, pubkey string) (AccountInfo, error) {
	account, err := h.api.AccountDetail(horizonclient.AccountRequest{AccountID: pubkey})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return AccountInfo{}, &SequenceError{Pubkey: pubkey, Err: err}
		}
		return AccountInfo{}, classifyHorizonError(err, "")
	}

	info := AccountInfo{Pubkey: pubkey}
	if info.Sequence, err = account.GetSequenceNumber(); err != nil {
		return AccountInfo{}, fmt.Errorf("parse sequence of %s: %w", pubkey, err)
	}
	for _, balance := range account.Balances {
		parsed, err := amount.ParseInt64(balance.Balance)
		if err != nil {
			h.logger.Warn("unparsable balance", "pubkey", pubkey, "balance", balance.Balance, "error", err)
			continue
		}
		switch {
		case balance.Type == "native":
			info.XLMBalance = parsed
		case balance.Code == h.token.Code && balance.Issuer == h.token.Issuer:
			info.BULBalance = parsed
			info.Trusted = true
		}
	}
	for _, signer := range account.Signers {
		info.Signers = append(info.Signers, SignerInfo{
			Key:    signer.Key,
			Weight: signer.Weight,
			Type:   signer.Type,
		})
	}
	info.Thresholds = ThresholdInfo{
		Low:    int32(account.Thresholds.LowThreshold),
		Medium: int32(account.Thresholds.MedThreshold),
		High:   int32(account.Thresholds.HighThreshold),
	}
	return info, nil
}

// FundWithFriendbot creates and funds an account on a test network.
// Debug only.
func (h *Horizon) FundWithFriendbot(ctx context.Context, pubkey string) error {
	if _, err := h.api.Fund(pubkey); err != nil {
		return classifyHorizonError(err, "")
	}
	h.logger.Info("funded account with friendbot", "pubkey", pubkey)
	return nil
}

// EnvelopeHash computes the stable hash of a transaction envelope on the
// network identified by passphrase. The envelope is parsed, never
// re-encoded.
func EnvelopeHash(envelopeXDR, passphrase string) ([]byte, error) {
	generic, err := txnbuild.TransactionFromXDR(envelopeXDR)
	if err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return nil, errors.New("envelope is not a simple transaction")
	}
	hash, err := tx.Hash(passphrase)
	if err != nil {
		return nil, fmt.Errorf("hash envelope: %w", err)
	}
	return hash[:], nil
}

// envelopeKind names an envelope by its leading operation, so rejection
// errors say which kind of transaction the ledger refused.
func envelopeKind(envelopeXDR string) string {
	generic, err := txnbuild.TransactionFromXDR(envelopeXDR)
	if err != nil {
		return ""
	}
	tx, ok := generic.Transaction()
	if !ok {
		return ""
	}
	ops := tx.Operations()
	if len(ops) == 0 {
		return ""
	}
	switch ops[0].(type) {
	case *txnbuild.Payment:
		return "payment"
	case *txnbuild.AccountMerge:
		return "merge"
	case *txnbuild.SetOptions:
		return "set-options"
	case *txnbuild.CreateAccount:
		return "create-account"
	case *txnbuild.ChangeTrust:
		return "change-trust"
	default:
		return ""
	}
}

// classifyHorizonError splits horizon failures into final rejections and
// retryable transport errors.
func classifyHorizonError(err error, envelope string) error {
	herr := horizonclient.GetError(err)
	if herr == nil {
		// The request never got a horizon problem response.
		return &TransientError{Err: err}
	}
	if codes, cerr := herr.ResultCodes(); cerr == nil && codes != nil {
		return &RejectionError{
			Envelope:       envelope,
			ResultCode:     codes.TransactionCode,
			OperationCodes: codes.OperationCodes,
		}
	}
	if herr.Problem.Status >= 500 {
		return &TransientError{Err: err}
	}
	return &RejectionError{Envelope: envelope, ResultCode: herr.Problem.Title}
}
