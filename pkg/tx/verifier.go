package tx

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/custodex/pkg/crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signer does not match sender")
)

// Verifier checks transaction signatures against one EIP-712 domain
type Verifier struct {
	domain crypto.Domain
}

func NewVerifier(domain crypto.Domain) *Verifier {
	return &Verifier{domain: domain}
}

func (v *Verifier) Domain() crypto.Domain {
	return v.domain
}

// Verify recovers the signer of t and checks it is the declared sender
func (v *Verifier) Verify(t *Transaction) (common.Address, error) {
	if len(t.Signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSignature, len(t.Signature))
	}

	signer, err := crypto.RecoverTypedDataSigner(t.TypedData(v.domain), t.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer != t.Action.Sender {
		return common.Address{}, fmt.Errorf("%w: recovered %s, sender %s", ErrSignerMismatch, signer.Hex(), t.Action.Sender.Hex())
	}
	return signer, nil
}
