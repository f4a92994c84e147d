package adapter

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// WalletSigner signs venue requests with an EIP-712 typed-data signature
// over an EOA private key, grounded on the corpus's auth.go L1 signing
// path (ClobAuthDomain typed data, chain-ID-scoped). Unlike the teacher,
// VeloZ uses this as the adapter's only signing scheme for on-chain
// venues rather than a one-time bootstrap for deriving separate L2 HMAC
// credentials — a venue configured with a private key gets its order
// placement requests wallet-signed; cancel requests still carry the HMAC
// headers.
type WalletSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewWalletSigner parses a hex-encoded private key (with or without the
// "0x" prefix) and derives the signer's on-chain address, mirroring
// auth.go's NewAuth key parsing.
func NewWalletSigner(privateKeyHex string, chainID int64) (*WalletSigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse wallet private key: %w", err)
	}
	return &WalletSigner{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the signer's on-chain address.
func (w *WalletSigner) Address() common.Address { return w.address }

// orderDomain is the EIP-712 domain VeloZ signs order placement under,
// shaped after auth.go's ClobAuthDomain but scoped to an order payload
// instead of a one-time auth challenge.
var orderDomain = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"Order": {
		{Name: "clientOrderId", Type: "string"},
		{Name: "symbol", Type: "string"},
		{Name: "side", Type: "string"},
		{Name: "orderQty", Type: "string"},
		{Name: "timestamp", Type: "string"},
	},
}

// SignOrder produces an EIP-712 signature over an order's identifying
// fields plus a timestamp (replay-bounded the same way auth.go's
// signClobAuth binds its challenge to a timestamp), returning headers
// ready to attach to the REST request.
func (w *WalletSigner) SignOrder(clientOrderID, symbol, side, orderQty string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	typedData := apitypes.TypedData{
		Types:       orderDomain,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:    "VeloZOrderDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(w.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"clientOrderId": clientOrderID,
			"symbol":        symbol,
			"side":          side,
			"orderQty":      orderQty,
			"timestamp":     timestamp,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign order digest: %w", err)
	}
	// go-ethereum's Sign returns v in {0,1}; EIP-712 recovery expects {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return map[string]string{
		"X-WALLET-ADDRESS":   w.address.Hex(),
		"X-WALLET-SIGNATURE": common.Bytes2Hex(sig),
		"X-WALLET-TIMESTAMP": timestamp,
	}, nil
}
