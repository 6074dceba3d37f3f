package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/custodex/pkg/asset"
)

// Registry maps asset identifiers to deployed token ledgers
type Registry struct {
	mu     sync.RWMutex
	tokens map[common.Address]*Token
	order  []common.Address // deployment order
}

var _ asset.Ledgers = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[common.Address]*Token)}
}

// Register adds a deployed token
func (r *Registry) Register(t *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[t.Address()]; exists {
		return fmt.Errorf("token %s already registered", t.Address().Hex())
	}
	r.tokens[t.Address()] = t
	r.order = append(r.order, t.Address())
	return nil
}

// Ledger resolves id to its token ledger. The native sentinel never resolves.
func (r *Registry) Ledger(id common.Address) (asset.Ledger, error) {
	t, err := r.Token(id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Token is Ledger returning the concrete type
func (r *Registry) Token(id common.Address) (*Token, error) {
	if asset.IsNative(id) {
		return nil, asset.ErrRejectNativeAsset
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", asset.ErrUnknownAsset, id.Hex())
	}
	return t, nil
}

// Tokens returns all tokens in deployment order
func (r *Registry) Tokens() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Token, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.tokens[addr])
	}
	return out
}
