package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/custodex/params"
	"github.com/uhyunpark/custodex/pkg/app/dex"
	"github.com/uhyunpark/custodex/pkg/asset"
	"github.com/uhyunpark/custodex/pkg/crypto"
	"github.com/uhyunpark/custodex/pkg/tx"
)

var (
	// Domain flags
	chainID      int64
	exchangeAddr string

	// Action flags
	keyHex      string
	nonce       uint64
	assetFlag   string
	amount      string
	wantAsset   string
	wantAmount  string
	offerAsset  string
	offerAmount string
	orderID     uint64
	to          string
	spender     string
	from        string
	sender      string
	submitURL   string
)

var rootCmd = &cobra.Command{
	Use:   "sign-tx",
	Short: "Sign custodex transactions with EIP-712",
	Long: `sign-tx builds an exchange or ledger action, signs it with a secp256k1 key
over the node's EIP-712 domain and prints the transaction JSON accepted by
POST /api/v1/tx. The domain defaults to the node configuration in .env.`,
	SilenceUsage: true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("Address: %s\n", signer.Address().Hex())
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <type>",
	Short: "Sign an action",
	Long: `Sign an action of the given type: deposit_native, withdraw_native,
deposit_token, withdraw_token, make_order, cancel_order, fill_order,
token_transfer, token_approve, token_transfer_from, send_native.

Amounts are decimal base units or 0x-prefixed hex. Use "native" for the
native asset.`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

var typedDataCmd = &cobra.Command{
	Use:   "typed-data <type>",
	Short: "Print the EIP-712 payload of an action for eth_signTypedData_v4",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildAction()
		if err != nil {
			return err
		}
		if a.Sender, err = parseAddr("sender", sender); err != nil {
			return err
		}
		domain, err := resolveDomain()
		if err != nil {
			return err
		}
		t := &tx.Transaction{Type: tx.Type(args[0]), Action: a}
		out, err := crypto.TypedDataJSON(t.TypedData(domain))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify a signed transaction file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}

		t, err := tx.Parse(data)
		if err != nil {
			return err
		}
		domain, err := resolveDomain()
		if err != nil {
			return err
		}
		signer, err := tx.NewVerifier(domain).Verify(t)
		if err != nil {
			return err
		}
		fmt.Printf("Signature VALID\n  Signer: %s\n  Hash: %s\n", signer.Hex(), t.Hash().Hex())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Int64Var(&chainID, "chain-id", 0, "EIP-712 chain id (default from config)")
	rootCmd.PersistentFlags().StringVar(&exchangeAddr, "exchange", "", "exchange address (default derived from config)")

	addActionFlags(signCmd)
	signCmd.Flags().StringVar(&keyHex, "key", "", "private key hex (default $PRIVATE_KEY)")
	signCmd.Flags().StringVar(&submitURL, "submit", "", "node API base URL; posts the transaction when set")

	addActionFlags(typedDataCmd)
	typedDataCmd.Flags().StringVar(&sender, "sender", "", "signing account")
	typedDataCmd.MarkFlagRequired("sender")

	rootCmd.AddCommand(keygenCmd, signCmd, typedDataCmd, verifyCmd)
}

func addActionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint64Var(&nonce, "nonce", 1, "sender nonce, one above the last used")
	f.StringVar(&assetFlag, "asset", "", "asset for custody and ledger actions")
	f.StringVar(&amount, "amount", "", "amount")
	f.StringVar(&wantAsset, "want-asset", "", "asset wanted by a new order")
	f.StringVar(&wantAmount, "want-amount", "", "amount wanted by a new order")
	f.StringVar(&offerAsset, "offer-asset", "", "asset offered by a new order")
	f.StringVar(&offerAmount, "offer-amount", "", "amount offered by a new order")
	f.Uint64Var(&orderID, "order", 0, "order id to cancel or fill")
	f.StringVar(&to, "to", "", "recipient")
	f.StringVar(&spender, "spender", "", "spender for token_approve")
	f.StringVar(&from, "from", "", "owner for token_transfer_from")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resolveDomain() (crypto.Domain, error) {
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		return crypto.Domain{}, err
	}
	id := cfg.Exchange.ChainID
	if chainID != 0 {
		id = chainID
	}
	ex := dex.ExchangeAddress(cfg.Exchange.Deployer, len(cfg.Tokens))
	if exchangeAddr != "" {
		if ex, err = parseAddr("exchange", exchangeAddr); err != nil {
			return crypto.Domain{}, err
		}
	}
	return crypto.DefaultDomain(id, ex), nil
}

func runSign(cmd *cobra.Command, args []string) error {
	if keyHex == "" {
		keyHex = os.Getenv("PRIVATE_KEY")
	}
	if keyHex == "" {
		return fmt.Errorf("no key: pass --key or set PRIVATE_KEY")
	}
	signer, err := crypto.FromPrivateKeyHex(keyHex)
	if err != nil {
		return err
	}

	a, err := buildAction()
	if err != nil {
		return err
	}
	t := &tx.Transaction{Type: tx.Type(args[0]), Action: a}

	domain, err := resolveDomain()
	if err != nil {
		return err
	}
	if err := tx.Sign(t, signer, domain); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}

	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if submitURL == "" {
		return nil
	}
	raw, err := t.Serialize()
	if err != nil {
		return err
	}
	resp, err := http.Post(strings.TrimRight(submitURL, "/")+"/api/v1/tx", "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit rejected")
	}
	return nil
}

func buildAction() (tx.Action, error) {
	a := tx.Action{Nonce: nonce, OrderID: orderID}
	var err error

	assets := []struct {
		name string
		val  string
		dst  *common.Address
	}{
		{"asset", assetFlag, &a.Asset},
		{"want-asset", wantAsset, &a.WantAsset},
		{"offer-asset", offerAsset, &a.OfferAsset},
		{"to", to, &a.To},
		{"spender", spender, &a.Spender},
		{"from", from, &a.From},
	}
	for _, f := range assets {
		if f.val == "" {
			continue
		}
		if strings.EqualFold(f.val, "native") {
			*f.dst = asset.Native
			continue
		}
		if *f.dst, err = parseAddr(f.name, f.val); err != nil {
			return a, err
		}
	}

	if a.Amount, err = optAmount("amount", amount); err != nil {
		return a, err
	}
	if a.WantAmount, err = optAmount("want-amount", wantAmount); err != nil {
		return a, err
	}
	if a.OfferAmount, err = optAmount("offer-amount", offerAmount); err != nil {
		return a, err
	}
	return a, nil
}

func parseAddr(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func optAmount(name, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := asset.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}
