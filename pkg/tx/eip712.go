package tx

import (
	"fmt"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/crypto"
)

const primaryType = "Action"

var actionFields = []apitypes.Type{
	{Name: "kind", Type: "string"},
	{Name: "sender", Type: "address"},
	{Name: "nonce", Type: "uint256"},
	{Name: "asset", Type: "address"},
	{Name: "amount", Type: "uint256"},
	{Name: "wantAsset", Type: "address"},
	{Name: "wantAmount", Type: "uint256"},
	{Name: "offerAsset", Type: "address"},
	{Name: "offerAmount", Type: "uint256"},
	{Name: "orderId", Type: "uint256"},
	{Name: "to", Type: "address"},
	{Name: "spender", Type: "address"},
	{Name: "from", Type: "address"},
}

// TypedData returns the EIP-712 payload a wallet signs for t under domain
func (t *Transaction) TypedData(domain crypto.Domain) apitypes.TypedData {
	a := &t.Action
	return domain.TypedData(primaryType, actionFields, apitypes.TypedDataMessage{
		"kind":        string(t.Type),
		"sender":      a.Sender.Hex(),
		"nonce":       fmt.Sprintf("%d", a.Nonce),
		"asset":       a.Asset.Hex(),
		"amount":      dec(a.Amount),
		"wantAsset":   a.WantAsset.Hex(),
		"wantAmount":  dec(a.WantAmount),
		"offerAsset":  a.OfferAsset.Hex(),
		"offerAmount": dec(a.OfferAmount),
		"orderId":     fmt.Sprintf("%d", a.OrderID),
		"to":          a.To.Hex(),
		"spender":     a.Spender.Hex(),
		"from":        a.From.Hex(),
	})
}

// SigningHash is the digest signed by the sender
func (t *Transaction) SigningHash(domain crypto.Domain) ([]byte, error) {
	return crypto.HashTypedData(t.TypedData(domain))
}

// Sign sets the sender to the signer's address and signs t
func Sign(t *Transaction, signer *crypto.Signer, domain crypto.Domain) error {
	t.Action.Sender = signer.Address()
	sig, err := signer.SignTypedData(t.TypedData(domain))
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", t.Type, err)
	}
	t.Signature = sig
	return nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
