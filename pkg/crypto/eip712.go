package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator. VerifyingContract is the exchange
// address, so a signature is only valid for one exchange on one chain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the domain used by a local node
func DefaultDomain(chainID int64, verifyingContract common.Address) Domain {
	return Domain{
		Name:              "Custodex",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: verifyingContract,
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// TypedData assembles the full EIP-712 payload for one struct under d
func (d Domain) TypedData(primaryType string, fields []apitypes.Type, message apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primaryType:    fields,
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: message,
	}
}

// HashTypedData returns keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func HashTypedData(typedData apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

// SignTypedData hashes typedData and signs the digest
func (s *Signer) SignTypedData(typedData apitypes.TypedData) ([]byte, error) {
	hash, err := HashTypedData(typedData)
	if err != nil {
		return nil, err
	}
	return s.Sign(hash)
}

// RecoverTypedDataSigner returns the address that signed typedData
func RecoverTypedDataSigner(typedData apitypes.TypedData, signature []byte) (common.Address, error) {
	hash, err := HashTypedData(typedData)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// TypedDataJSON renders typedData in the eth_signTypedData_v4 wallet format
func TypedDataJSON(typedData apitypes.TypedData) (string, error) {
	b, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode typed data: %w", err)
	}
	return string(b), nil
}
