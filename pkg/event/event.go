// Package event defines the domain events emitted by the token ledgers and the
// exchange, and the append-only journal that records them.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind names an event type
type Kind string

const (
	KindTransfer Kind = "Transfer"
	KindApproval Kind = "Approval"
	KindDeposit  Kind = "Deposit"
	KindWithdraw Kind = "Withdraw"
	KindOrder    Kind = "Order"
	KindCancel   Kind = "Cancel"
	KindTrade    Kind = "Trade"
)

// Payload is implemented by every event body
type Payload interface {
	Kind() Kind
}

// Event is one journal entry. Emitter is the ledger or exchange address that
// produced it, like the address field of an EVM log.
type Event struct {
	Seq     uint64         `json:"seq"`
	Kind    Kind           `json:"kind"`
	Emitter common.Address `json:"emitter"`
	Payload Payload        `json:"payload"`
}

type Transfer struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *uint256.Int   `json:"value"`
}

type Approval struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Value   *uint256.Int   `json:"value"`
}

// Deposit and Withdraw carry the custodial balance after the operation
type Deposit struct {
	Asset   common.Address `json:"asset"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
}

type Withdraw struct {
	Asset   common.Address `json:"asset"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
}

// Order is emitted on creation; Cancel repeats the order fields with the
// cancellation time.
type Order struct {
	ID            uint64         `json:"id"`
	User          common.Address `json:"user"`
	AssetWanted   common.Address `json:"assetWanted"`
	AmountWanted  *uint256.Int   `json:"amountWanted"`
	AssetOffered  common.Address `json:"assetOffered"`
	AmountOffered *uint256.Int   `json:"amountOffered"`
	Timestamp     int64          `json:"timestamp"`
}

type Cancel struct {
	ID            uint64         `json:"id"`
	User          common.Address `json:"user"`
	AssetWanted   common.Address `json:"assetWanted"`
	AmountWanted  *uint256.Int   `json:"amountWanted"`
	AssetOffered  common.Address `json:"assetOffered"`
	AmountOffered *uint256.Int   `json:"amountOffered"`
	Timestamp     int64          `json:"timestamp"`
}

type Trade struct {
	ID            uint64         `json:"id"`
	User          common.Address `json:"user"`
	AssetWanted   common.Address `json:"assetWanted"`
	AmountWanted  *uint256.Int   `json:"amountWanted"`
	AssetOffered  common.Address `json:"assetOffered"`
	AmountOffered *uint256.Int   `json:"amountOffered"`
	Filler        common.Address `json:"filler"`
	Fee           *uint256.Int   `json:"fee"`
	Timestamp     int64          `json:"timestamp"`
}

func (Transfer) Kind() Kind { return KindTransfer }
func (Approval) Kind() Kind { return KindApproval }
func (Deposit) Kind() Kind  { return KindDeposit }
func (Withdraw) Kind() Kind { return KindWithdraw }
func (Order) Kind() Kind    { return KindOrder }
func (Cancel) Kind() Kind   { return KindCancel }
func (Trade) Kind() Kind    { return KindTrade }

// Accounts returns the accounts an event concerns, used for per-account
// channels and filters.
func (e Event) Accounts() []common.Address {
	switch p := e.Payload.(type) {
	case Transfer:
		return []common.Address{p.From, p.To}
	case Approval:
		return []common.Address{p.Owner, p.Spender}
	case Deposit:
		return []common.Address{p.User}
	case Withdraw:
		return []common.Address{p.User}
	case Order:
		return []common.Address{p.User}
	case Cancel:
		return []common.Address{p.User}
	case Trade:
		return []common.Address{p.User, p.Filler}
	}
	return nil
}

// UnmarshalJSON decodes the payload according to Kind
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Seq     uint64          `json:"seq"`
		Kind    Kind            `json:"kind"`
		Emitter common.Address  `json:"emitter"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var (
		p   Payload
		err error
	)
	switch raw.Kind {
	case KindTransfer:
		p, err = decode[Transfer](raw.Payload)
	case KindApproval:
		p, err = decode[Approval](raw.Payload)
	case KindDeposit:
		p, err = decode[Deposit](raw.Payload)
	case KindWithdraw:
		p, err = decode[Withdraw](raw.Payload)
	case KindOrder:
		p, err = decode[Order](raw.Payload)
	case KindCancel:
		p, err = decode[Cancel](raw.Payload)
	case KindTrade:
		p, err = decode[Trade](raw.Payload)
	default:
		return fmt.Errorf("unknown event kind %q", raw.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Kind, err)
	}

	e.Seq, e.Kind, e.Emitter, e.Payload = raw.Seq, raw.Kind, raw.Emitter, p
	return nil
}

func decode[T Payload](b json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
