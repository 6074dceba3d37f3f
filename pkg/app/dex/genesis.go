package dex

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/params"
	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/event"
	"github.com/uhyunpark/custodex/pkg/exchange"
	"github.com/uhyunpark/custodex/pkg/ledger"
	"github.com/uhyunpark/custodex/pkg/util"
)

// Genesis describes the initial chain state
type Genesis struct {
	ChainID    int64
	Deployer   common.Address
	FeeAccount common.Address
	FeePercent uint64
	Tokens     []ledger.TokenConfig
	Alloc      []params.Alloc
	Time       time.Time
}

// GenesisFromParams converts node configuration into a Genesis
func GenesisFromParams(cfg params.Config) Genesis {
	g := Genesis{
		ChainID:    cfg.Exchange.ChainID,
		Deployer:   cfg.Exchange.Deployer,
		FeeAccount: cfg.Exchange.FeeAccount,
		FeePercent: cfg.Exchange.FeePercent,
		Alloc:      cfg.Alloc,
		Time:       time.Unix(0, 0),
	}
	for _, t := range cfg.Tokens {
		g.Tokens = append(g.Tokens, ledger.TokenConfig{
			Name:        t.Name,
			Symbol:      t.Symbol,
			Decimals:    t.Decimals,
			TotalSupply: asset.Units(t.Supply, t.Decimals),
		})
	}
	return g
}

// TokenAddress is the address of the i-th genesis token
func TokenAddress(deployer common.Address, i int) common.Address {
	return crypto.CreateAddress(deployer, uint64(i))
}

// ExchangeAddress is deployed right after the genesis tokens
func ExchangeAddress(deployer common.Address, numTokens int) common.Address {
	return crypto.CreateAddress(deployer, uint64(numTokens))
}

// state is everything a block can mutate
type state struct {
	journal  *event.Journal
	bank     *ledger.Bank
	registry *ledger.Registry
	exchange *exchange.Exchange
	clock    *util.ManualClock
	nonces   map[common.Address]uint64
}

func buildState(g Genesis, retain int, logger *zap.Logger) (*state, error) {
	s := &state{
		journal:  event.NewJournal(retain),
		bank:     ledger.NewBank(),
		registry: ledger.NewRegistry(),
		clock:    util.NewManualClock(g.Time),
		nonces:   make(map[common.Address]uint64),
	}

	for i, cfg := range g.Tokens {
		tok, err := ledger.NewToken(TokenAddress(g.Deployer, i), g.Deployer, cfg, s.journal)
		if err != nil {
			return nil, fmt.Errorf("deploy token %s: %w", cfg.Symbol, err)
		}
		if err := s.registry.Register(tok); err != nil {
			return nil, err
		}
	}

	exAddr := ExchangeAddress(g.Deployer, len(g.Tokens))
	ex, err := exchange.New(exchange.Config{
		Address:    exAddr,
		FeeAccount: g.FeeAccount,
		FeePercent: g.FeePercent,
	}, s.registry, s.bank.Custody(exAddr), s.journal, s.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("deploy exchange: %w", err)
	}
	s.bank.SetReceiver(exAddr, ex)
	s.exchange = ex

	for _, a := range g.Alloc {
		if err := s.bank.Credit(a.Account, asset.OrZero(a.Amount)); err != nil {
			return nil, fmt.Errorf("alloc %s: %w", a.Account.Hex(), err)
		}
	}
	return s, nil
}
