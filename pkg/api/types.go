package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// ExchangeInfo is the exchange's configuration and order counter
type ExchangeInfo struct {
	Address    common.Address `json:"address"`
	FeeAccount common.Address `json:"feeAccount"`
	FeePercent uint64         `json:"feePercent"`
	OrderCount uint64         `json:"orderCount"`
	ChainID    int64          `json:"chainId"`
}

// BalanceInfo is a custodial balance held by the exchange
type BalanceInfo struct {
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Balance *uint256.Int   `json:"balance"`
}

// TokenInfo describes a deployed ledger
type TokenInfo struct {
	Address     common.Address `json:"address"`
	Name        string         `json:"name"`
	Symbol      string         `json:"symbol"`
	Decimals    uint8          `json:"decimals"`
	TotalSupply *uint256.Int   `json:"totalSupply"`
	Custodied   *uint256.Int   `json:"custodied"` // held by the exchange
}

// TokenBalance is a ledger balance, outside the exchange
type TokenBalance struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
	Balance *uint256.Int   `json:"balance"`
}

type Allowance struct {
	Token     common.Address `json:"token"`
	Owner     common.Address `json:"owner"`
	Spender   common.Address `json:"spender"`
	Allowance *uint256.Int   `json:"allowance"`
}

// AccountInfo is what a wallet needs before signing: the next nonce and the
// native balance outside the exchange.
type AccountInfo struct {
	Address   common.Address `json:"address"`
	Nonce     uint64         `json:"nonce"`
	NextNonce uint64         `json:"nextNonce"`
	Native    *uint256.Int   `json:"native"`
}

// ChainStatus represents node state
type ChainStatus struct {
	Height      uint64 `json:"height"`
	StateHash   string `json:"stateHash"`
	MempoolSize int    `json:"mempoolSize"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope of every message pushed to a client
type WSMessage struct {
	Type    string `json:"type"` // "event", "block", "subscribed", "unsubscribed", "error"
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// BlockUpdate is pushed on the blocks channel after each commit
type BlockUpdate struct {
	Height    uint64 `json:"height"`
	StateHash string `json:"stateHash"`
	Txs       int    `json:"txs"`
}

// ==============================
// Request Types
// ==============================

// Transactions are posted as signed JSON; see pkg/tx for the wire format.

// SubmitTxResponse is returned after a transaction is queued
type SubmitTxResponse struct {
	Status string      `json:"status"`
	Hash   common.Hash `json:"hash"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
