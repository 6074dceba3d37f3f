package exchange

import "errors"

// Balance, allowance and native-asset failures reuse the asset package
// errors (asset.ErrInsufficientBalance and friends) so a caller sees the same
// kind whether the ledger or the exchange rejected the call.
var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrAlreadyFilled          = errors.New("order already filled")
	ErrAlreadyCancelled       = errors.New("order already cancelled")
	ErrUnauthorized           = errors.New("caller is not the order creator")
	ErrNativeTransferRejected = errors.New("native value must be sent through depositNative")
	ErrInvalidFeePercent      = errors.New("fee percent must be between 0 and 100")
	ErrInsolvent              = errors.New("custodial balances exceed holdings")
)
