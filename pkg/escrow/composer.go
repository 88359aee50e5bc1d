package escrow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"

	"github.com/paket-core/router/pkg/ledger"
	"github.com/paket-core/router/pkg/types"
)

// Composer builds the four escrow transaction envelopes for a delivery
// contract. It never submits anything: the envelopes are handed to
// whichever party must co-sign them.
//
// Composition reads the escrow account's sequence counter and derives
// all four envelopes from it, so it must not race with other
// transactions on the same account. Escrow accounts are fresh and
// single-use per delivery; the delivery service additionally serializes
// composition per account.
type Composer struct {
	sequences  ledger.SequenceResolver
	passphrase string
	token      ledger.Asset
	policy     Policy
}

// NewComposer creates a composer bound to a network passphrase and the
// delivery token.
func NewComposer(sequences ledger.SequenceResolver, passphrase string, token ledger.Asset) *Composer {
	return &Composer{
		sequences:  sequences,
		passphrase: passphrase,
		token:      token,
		policy:     DefaultPolicy(),
	}
}

// Policy returns the signer weights and thresholds the composer bakes
// into the set-options envelope.
func (c *Composer) Policy() Policy { return c.policy }

// Compose derives the four unsigned envelopes from the contract.
//
// The refund and payment envelopes share a sequence slot: the ledger
// accepts only one transaction per sequence number, which is what makes
// them mutually exclusive. The merge envelope sits one slot later, so it
// can only run after that slot was consumed by either of them.
//
// Applying the set-options envelope zeroes the escrow account's master
// weight. From that moment the original escrow key is permanently
// unusable and only the three preauthorized transactions, plus the
// recipient's signature on the payment, can move the funds. There is no
// way back.
func (c *Composer) Compose(ctx context.Context, contract types.DeliveryContract) (types.EscrowTransactions, error) {
	var none types.EscrowTransactions

	if err := contract.Validate(time.Now()); err != nil {
		return none, err
	}

	sequence, err := c.sequences.NextSequence(ctx, contract.EscrowPubkey)
	if err != nil {
		return none, fmt.Errorf("compose escrow for %s: %w", contract.EscrowPubkey, err)
	}

	total := strconv.FormatUint(contract.Payment+contract.Collateral, 10)
	afterDeadline := txnbuild.NewTimebounds(contract.Deadline, txnbuild.TimeoutInfinite)

	refund, err := c.buildTx(contract.EscrowPubkey, sequence+1, afterDeadline, &txnbuild.Payment{
		Destination: contract.LauncherPubkey,
		Amount:      total,
		Asset:       c.asset(),
	})
	if err != nil {
		return none, fmt.Errorf("build refund envelope: %w", err)
	}

	payment, err := c.buildTx(contract.EscrowPubkey, sequence+1, txnbuild.NewInfiniteTimeout(), &txnbuild.Payment{
		Destination: contract.CourierPubkey,
		Amount:      total,
		Asset:       c.asset(),
	})
	if err != nil {
		return none, fmt.Errorf("build payment envelope: %w", err)
	}

	merge, err := c.buildTx(contract.EscrowPubkey, sequence+2, afterDeadline, &txnbuild.AccountMerge{
		Destination: contract.LauncherPubkey,
	})
	if err != nil {
		return none, fmt.Errorf("build merge envelope: %w", err)
	}

	setOptionsOps, err := c.signerOps(refund, payment, merge, contract.RecipientPubkey)
	if err != nil {
		return none, err
	}
	setOptions, err := c.buildTx(contract.EscrowPubkey, sequence, txnbuild.NewInfiniteTimeout(), setOptionsOps...)
	if err != nil {
		return none, fmt.Errorf("build set-options envelope: %w", err)
	}

	bundle := types.EscrowTransactions{}
	for _, envelope := range []struct {
		tx   *txnbuild.Transaction
		name string
		dst  *string
	}{
		{setOptions, "set-options", &bundle.SetOptions},
		{refund, "refund", &bundle.Refund},
		{payment, "payment", &bundle.Payment},
		{merge, "merge", &bundle.Merge},
	} {
		if *envelope.dst, err = envelope.tx.Base64(); err != nil {
			return none, fmt.Errorf("encode %s envelope: %w", envelope.name, err)
		}
	}
	return bundle, nil
}

// signerOps builds the five set-options operations: three preauthorized
// transaction signers, the recipient's key, and the threshold rewrite.
// The operation order is fixed and part of the contract with signers.
func (c *Composer) signerOps(refund, payment, merge *txnbuild.Transaction, recipientPubkey string) ([]txnbuild.Operation, error) {
	refundSigner, err := c.preauthSigner(refund)
	if err != nil {
		return nil, fmt.Errorf("refund preauth signer: %w", err)
	}
	paymentSigner, err := c.preauthSigner(payment)
	if err != nil {
		return nil, fmt.Errorf("payment preauth signer: %w", err)
	}
	mergeSigner, err := c.preauthSigner(merge)
	if err != nil {
		return nil, fmt.Errorf("merge preauth signer: %w", err)
	}

	return []txnbuild.Operation{
		&txnbuild.SetOptions{Signer: &txnbuild.Signer{
			Address: refundSigner,
			Weight:  txnbuild.Threshold(c.policy.RefundWeight),
		}},
		&txnbuild.SetOptions{Signer: &txnbuild.Signer{
			Address: paymentSigner,
			Weight:  txnbuild.Threshold(c.policy.PaymentWeight),
		}},
		&txnbuild.SetOptions{Signer: &txnbuild.Signer{
			Address: mergeSigner,
			Weight:  txnbuild.Threshold(c.policy.MergeWeight),
		}},
		&txnbuild.SetOptions{Signer: &txnbuild.Signer{
			Address: recipientPubkey,
			Weight:  txnbuild.Threshold(c.policy.RecipientWeight),
		}},
		&txnbuild.SetOptions{
			MasterWeight:    txnbuild.NewThreshold(txnbuild.Threshold(c.policy.MasterWeight)),
			LowThreshold:    txnbuild.NewThreshold(txnbuild.Threshold(c.policy.LowThreshold)),
			MediumThreshold: txnbuild.NewThreshold(txnbuild.Threshold(c.policy.MediumThreshold)),
			HighThreshold:   txnbuild.NewThreshold(txnbuild.Threshold(c.policy.HighThreshold)),
		},
	}, nil
}

// preauthSigner encodes the transaction's network hash as a
// preauthorized-transaction signer key.
func (c *Composer) preauthSigner(tx *txnbuild.Transaction) (string, error) {
	hash, err := tx.Hash(c.passphrase)
	if err != nil {
		return "", fmt.Errorf("hash transaction: %w", err)
	}
	return strkey.Encode(strkey.VersionByteHashTx, hash[:])
}

// buildTx assembles a transaction with an explicit sequence number. The
// sequence is used as given, not incremented.
func (c *Composer) buildTx(sourcePubkey string, sequence int64, bounds txnbuild.TimeBounds, ops ...txnbuild.Operation) (*txnbuild.Transaction, error) {
	return txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: sourcePubkey,
			Sequence:  sequence,
		},
		IncrementSequenceNum: false,
		Operations:           ops,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: bounds},
	})
}

func (c *Composer) asset() txnbuild.CreditAsset {
	return txnbuild.CreditAsset{Code: c.token.Code, Issuer: c.token.Issuer}
}
