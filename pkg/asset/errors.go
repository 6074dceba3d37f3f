package asset

import "errors"

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidRecipient      = errors.New("invalid recipient")
	ErrInvalidSpender        = errors.New("invalid spender")
	ErrRejectNativeAsset     = errors.New("native asset not accepted here")
	ErrUnknownAsset          = errors.New("unknown asset")
	ErrAmountOverflow        = errors.New("amount overflows uint256")
	ErrNilAmount             = errors.New("amount is required")
)
