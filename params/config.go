package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
)

type Exchange struct {
	ChainID    int64
	Deployer   common.Address // deploys every token and the exchange, receives token supply
	FeeAccount common.Address
	FeePercent uint64
}

// Token is one fungible token deployed at genesis. Supply is in whole units
// and scaled by Decimals.
type Token struct {
	Name     string
	Symbol   string
	Decimals uint8
	Supply   uint64
}

// Alloc credits native value to an account at genesis
type Alloc struct {
	Account common.Address
	Amount  *uint256.Int
}

type Node struct {
	// BlockTime is the interval between block proposals. Blocks are only
	// produced when the mempool is non-empty.
	BlockTime     time.Duration
	MaxBlockBytes int64
	DataDir       string // empty keeps blocks in memory only
	LogFile       string
	LogLevel      string

	// ReceiptCacheSize bounds the in-memory receipt cache; older receipts are
	// read back from the block store.
	ReceiptCacheSize int
	JournalRetain    int
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

// Stream publishes committed events to Kafka. Disabled without brokers.
type Stream struct {
	Brokers []string
	Topic   string
}

type Config struct {
	Exchange Exchange
	Tokens   []Token
	Alloc    []Alloc
	Node     Node
	API      API
	Stream   Stream
}

// Local devnet accounts (the standard hardhat/anvil mnemonic)
var (
	devAccount0 = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	devAccount1 = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	devAccount2 = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func Default() Config {
	hundredEther := new(uint256.Int).Mul(uint256.NewInt(100), uint256.NewInt(1_000_000_000_000_000_000))
	return Config{
		Exchange: Exchange{
			ChainID:    1337,
			Deployer:   devAccount0,
			FeeAccount: devAccount2,
			FeePercent: 10,
		},
		Tokens: []Token{
			{Name: "Hello, world.", Symbol: "HW", Decimals: 18, Supply: 1_000_000},
		},
		Alloc: []Alloc{
			{Account: devAccount0, Amount: hundredEther},
			{Account: devAccount1, Amount: hundredEther.Clone()},
		},
		Node: Node{
			BlockTime:        200 * time.Millisecond,
			MaxBlockBytes:    1 << 20,
			LogFile:          "data/node.log",
			LogLevel:         "info",
			ReceiptCacheSize: 4096,
			JournalRetain:    10_000,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Stream: Stream{
			Topic: "custodex.events",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults. Malformed values are reported, not ignored.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", key, err))
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail("CHAIN_ID", err)
		}
		cfg.Exchange.ChainID = n
	}
	if v := os.Getenv("EXCHANGE_DEPLOYER"); v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			fail("EXCHANGE_DEPLOYER", err)
		}
		cfg.Exchange.Deployer = addr
	}
	if v := os.Getenv("EXCHANGE_FEE_ACCOUNT"); v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			fail("EXCHANGE_FEE_ACCOUNT", err)
		}
		cfg.Exchange.FeeAccount = addr
	}
	if v := os.Getenv("EXCHANGE_FEE_PERCENT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			fail("EXCHANGE_FEE_PERCENT", err)
		}
		cfg.Exchange.FeePercent = n
	}

	// TOKENS=SYMBOL:Name:decimals:supply;... (names may contain commas)
	if v := os.Getenv("TOKENS"); v != "" {
		tokens, err := parseTokens(v)
		if err != nil {
			fail("TOKENS", err)
		}
		cfg.Tokens = tokens
	}
	// GENESIS_ALLOC=0xaddr=amount,...
	if v := os.Getenv("GENESIS_ALLOC"); v != "" {
		alloc, err := parseAlloc(v)
		if err != nil {
			fail("GENESIS_ALLOC", err)
		}
		cfg.Alloc = alloc
	}

	if v := os.Getenv("NODE_BLOCK_TIME_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Node.BlockTime = time.Duration(ms) * time.Millisecond
		} else {
			fail("NODE_BLOCK_TIME_MS", err)
		}
	}
	if v := os.Getenv("NODE_MAX_BLOCK_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Node.MaxBlockBytes = n
		} else {
			fail("NODE_MAX_BLOCK_BYTES", err)
		}
	}
	if v := os.Getenv("RECEIPT_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.ReceiptCacheSize = n
		} else {
			fail("RECEIPT_CACHE_SIZE", err)
		}
	}
	if v := os.Getenv("JOURNAL_RETAIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.JournalRetain = n
		} else {
			fail("JOURNAL_RETAIN", err)
		}
	}
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Stream.Brokers = splitList(v)
	}
	cfg.Stream.Topic = getEnv("KAFKA_TOPIC", cfg.Stream.Topic)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseTokens(s string) ([]Token, error) {
	var out []Token
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("token %q: want SYMBOL:Name:decimals:supply", item)
		}
		dec, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("token %q decimals: %w", item, err)
		}
		supply, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token %q supply: %w", item, err)
		}
		out = append(out, Token{Symbol: parts[0], Name: parts[1], Decimals: uint8(dec), Supply: supply})
	}
	return out, nil
}

func parseAlloc(s string) ([]Alloc, error) {
	var out []Alloc
	for _, item := range splitList(s) {
		addr, amount, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("alloc %q: want 0xaddr=amount", item)
		}
		a, err := parseAddress(addr)
		if err != nil {
			return nil, err
		}
		v, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("alloc %q amount: %w", item, err)
		}
		out = append(out, Alloc{Account: a, Amount: v})
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
