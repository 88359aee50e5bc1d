package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

// Wallet helper envelopes. These reuse the composer's sequence plumbing
// to prepare ordinary unsigned transactions the caller signs client
// side: funding a fresh escrow account, trusting the delivery token, and
// plain token transfers.

// PrepareCreateAccount prepares an unsigned create-account transaction
// funding newPubkey with startingBalance lumens from fromPubkey.
func (c *Composer) PrepareCreateAccount(ctx context.Context, fromPubkey, newPubkey string, startingBalance uint64) (string, error) {
	sequence, err := c.sequences.NextSequence(ctx, fromPubkey)
	if err != nil {
		return "", fmt.Errorf("prepare create account: %w", err)
	}
	tx, err := c.buildTx(fromPubkey, sequence, txnbuild.NewInfiniteTimeout(), &txnbuild.CreateAccount{
		Destination: newPubkey,
		Amount:      strconv.FormatUint(startingBalance, 10),
	})
	if err != nil {
		return "", fmt.Errorf("build create-account envelope: %w", err)
	}
	return tx.Base64()
}

// PrepareTrust prepares an unsigned change-trust transaction making
// fromPubkey trust the delivery token. An empty limit means the maximum
// trustline limit.
func (c *Composer) PrepareTrust(ctx context.Context, fromPubkey, limit string) (string, error) {
	sequence, err := c.sequences.NextSequence(ctx, fromPubkey)
	if err != nil {
		return "", fmt.Errorf("prepare trust: %w", err)
	}
	if limit == "" {
		limit = txnbuild.MaxTrustlineLimit
	}
	tx, err := c.buildTx(fromPubkey, sequence, txnbuild.NewInfiniteTimeout(), &txnbuild.ChangeTrust{
		Line:  txnbuild.ChangeTrustAssetWrapper{Asset: c.asset()},
		Limit: limit,
	})
	if err != nil {
		return "", fmt.Errorf("build change-trust envelope: %w", err)
	}
	return tx.Base64()
}

// PrepareSend prepares an unsigned token transfer of amount BUL units.
func (c *Composer) PrepareSend(ctx context.Context, fromPubkey, toPubkey string, amount uint64) (string, error) {
	sequence, err := c.sequences.NextSequence(ctx, fromPubkey)
	if err != nil {
		return "", fmt.Errorf("prepare send: %w", err)
	}
	tx, err := c.buildTx(fromPubkey, sequence, txnbuild.NewInfiniteTimeout(), &txnbuild.Payment{
		Destination: toPubkey,
		Amount:      strconv.FormatUint(amount, 10),
		Asset:       c.asset(),
	})
	if err != nil {
		return "", fmt.Errorf("build payment envelope: %w", err)
	}
	return tx.Base64()
}

// Sign adds a signature by seed to an envelope and re-encodes it. The
// transaction body is preserved byte for byte; only the signature list
// grows.
func Sign(envelopeXDR, seed, passphrase string) (string, error) {
	generic, err := txnbuild.TransactionFromXDR(envelopeXDR)
	if err != nil {
		return "", fmt.Errorf("parse envelope: %w", err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return "", errors.New("envelope is not a simple transaction")
	}
	full, err := keypair.ParseFull(seed)
	if err != nil {
		return "", fmt.Errorf("parse seed: %w", err)
	}
	signed, err := tx.Sign(passphrase, full)
	if err != nil {
		return "", fmt.Errorf("sign envelope: %w", err)
	}
	return signed.Base64()
}
