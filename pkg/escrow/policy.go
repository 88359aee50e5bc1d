package escrow

// Policy holds the signer weights and account thresholds that implement
// trustless conditional payment with nothing but weight arithmetic.
//
// Payment-class operations require the medium threshold. The refund's
// weight alone clears medium, so it can run unilaterally once its time
// bound unlocks. The payment's weight clears only low; it needs the
// recipient's live signature on top to reach medium, which is how
// "payment requires recipient confirmation" is encoded without any
// conditional logic on the ledger. The merge's weight clears medium on
// its own. Master weight zero permanently disables the original escrow
// key.
type Policy struct {
	RefundWeight    uint8
	PaymentWeight   uint8
	MergeWeight     uint8
	RecipientWeight uint8

	MasterWeight    uint8
	LowThreshold    uint8
	MediumThreshold uint8
	HighThreshold   uint8
}

// DefaultPolicy returns the weights and thresholds used for every
// delivery escrow account.
func DefaultPolicy() Policy {
	return Policy{
		RefundWeight:    2,
		PaymentWeight:   1,
		MergeWeight:     2,
		RecipientWeight: 1,
		MasterWeight:    0,
		LowThreshold:    1,
		MediumThreshold: 2,
		HighThreshold:   3,
	}
}
