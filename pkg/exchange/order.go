package exchange

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/event"
)

// Status is the lifecycle state of an order id
type Status uint8

const (
	StatusUnknown Status = iota
	StatusOpen
	StatusFilled
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String
func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return StatusOpen, nil
	case "filled":
		return StatusFilled, nil
	case "cancelled":
		return StatusCancelled, nil
	}
	return StatusUnknown, fmt.Errorf("unknown order status %q", s)
}

// Order is a resting offer: the creator gives AmountOffered of AssetOffered
// in exchange for AmountWanted of AssetWanted. Orders are immutable once made;
// their status lives in the exchange's filled and cancelled sets.
type Order struct {
	ID            uint64         `json:"id"`
	Creator       common.Address `json:"creator"`
	AssetWanted   common.Address `json:"assetWanted"`
	AmountWanted  *uint256.Int   `json:"amountWanted"`
	AssetOffered  common.Address `json:"assetOffered"`
	AmountOffered *uint256.Int   `json:"amountOffered"`
	CreatedAt     int64          `json:"createdAt"`
}

func (o *Order) clone() *Order {
	c := *o
	c.AmountWanted = o.AmountWanted.Clone()
	c.AmountOffered = o.AmountOffered.Clone()
	return &c
}

// MakeOrder records a new open order. Collateral is not checked here; an
// under-collateralized order fails when someone tries to fill it.
func (e *Exchange) MakeOrder(creator, assetWanted common.Address, amountWanted *uint256.Int, assetOffered common.Address, amountOffered *uint256.Int) (*Order, error) {
	if amountWanted == nil || amountOffered == nil {
		return nil, asset.ErrNilAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.orderCount++
	o := &Order{
		ID:            e.orderCount,
		Creator:       creator,
		AssetWanted:   assetWanted,
		AmountWanted:  amountWanted.Clone(),
		AssetOffered:  assetOffered,
		AmountOffered: amountOffered.Clone(),
		CreatedAt:     e.now(),
	}
	e.orders[o.ID] = o

	e.emit(event.Order{
		ID:            o.ID,
		User:          o.Creator,
		AssetWanted:   o.AssetWanted,
		AmountWanted:  o.AmountWanted.Clone(),
		AssetOffered:  o.AssetOffered,
		AmountOffered: o.AmountOffered.Clone(),
		Timestamp:     o.CreatedAt,
	})
	e.logger.Debug("order_made", zap.Uint64("id", o.ID), zap.String("creator", creator.Hex()))
	return o.clone(), nil
}

// CancelOrder moves an open order to cancelled. Only the creator may cancel.
func (e *Exchange) CancelOrder(id uint64, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if o.Creator != caller {
		return fmt.Errorf("%w: order %d belongs to %s", ErrUnauthorized, id, o.Creator.Hex())
	}
	if err := e.checkOpen(id); err != nil {
		return err
	}

	e.cancelled[id] = struct{}{}
	e.emit(event.Cancel{
		ID:            o.ID,
		User:          o.Creator,
		AssetWanted:   o.AssetWanted,
		AmountWanted:  o.AmountWanted.Clone(),
		AssetOffered:  o.AssetOffered,
		AmountOffered: o.AmountOffered.Clone(),
		Timestamp:     e.now(),
	})
	e.logger.Debug("order_cancelled", zap.Uint64("id", id))
	return nil
}

// checkOpen assumes e.mu is held
func (e *Exchange) checkOpen(id uint64) error {
	if _, ok := e.filled[id]; ok {
		return fmt.Errorf("%w: id %d", ErrAlreadyFilled, id)
	}
	if _, ok := e.cancelled[id]; ok {
		return fmt.Errorf("%w: id %d", ErrAlreadyCancelled, id)
	}
	return nil
}

// Order returns a copy of the order with the given id
func (e *Exchange) Order(id uint64) (*Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	o, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	return o.clone(), nil
}

// Status returns the lifecycle state of id, StatusUnknown if it was never made
func (e *Exchange) Status(id uint64) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.statusLocked(id)
}

func (e *Exchange) statusLocked(id uint64) Status {
	if _, ok := e.orders[id]; !ok {
		return StatusUnknown
	}
	if _, ok := e.filled[id]; ok {
		return StatusFilled
	}
	if _, ok := e.cancelled[id]; ok {
		return StatusCancelled
	}
	return StatusOpen
}

func (e *Exchange) OrderCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orderCount
}

func (e *Exchange) Filled(id uint64) bool    { return e.Status(id) == StatusFilled }
func (e *Exchange) Cancelled(id uint64) bool { return e.Status(id) == StatusCancelled }

// OrderFilter selects orders. Zero values match everything.
type OrderFilter struct {
	Creator  common.Address
	Statuses []Status
	Limit    int
}

// OrderView is an order together with its current status
type OrderView struct {
	*Order
	Status string `json:"status"`
}

// Orders returns orders matching f ordered by id
func (e *Exchange) Orders(f OrderFilter) []OrderView {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]uint64, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []OrderView
	for _, id := range ids {
		o := e.orders[id]
		if f.Creator != (common.Address{}) && o.Creator != f.Creator {
			continue
		}
		st := e.statusLocked(id)
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, st) {
			continue
		}
		out = append(out, OrderView{Order: o.clone(), Status: st.String()})
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
