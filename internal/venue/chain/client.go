package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"carry-vault-bot/internal/config"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const receiptPollInterval = 2 * time.Second

var ErrConfirmTimeout = errors.New("transaction confirmation timed out")

// SignableTx is the handoff type between venue clients (which build call
// data) and the chain client (which signs and submits).
type SignableTx struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

type Pending struct {
	Hash common.Hash
}

type Receipt struct {
	TxHash    string
	Succeeded bool
	GasUsed   uint64
}

type Client struct {
	rpc            *ethclient.Client
	privateKey     *ecdsa.PrivateKey
	wallet         common.Address
	chainID        *big.Int
	gasLimit       uint64
	gasMul         float64
	confirmTimeout time.Duration
	log            *zap.Logger
}

func NewClient(cfg config.ChainConfig, privateKeyHex string, log *zap.Logger) (*Client, error) {
	rpc, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	pkHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	pk, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Client{
		rpc:            rpc,
		privateKey:     pk,
		wallet:         crypto.PubkeyToAddress(pk.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		gasLimit:       cfg.GasLimit,
		gasMul:         cfg.GasMultiplier,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            log,
	}, nil
}

func (c *Client) Wallet() common.Address { return c.wallet }
func (c *Client) Close()                 { c.rpc.Close() }

func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if c.gasMul <= 0 {
		return price, nil
	}
	adjusted := new(big.Float).Mul(new(big.Float).SetInt(price), big.NewFloat(c.gasMul))
	result, _ := adjusted.Int(nil)
	return result, nil
}

// Submit signs and broadcasts a transaction, returning its pending handle.
func (c *Client) Submit(ctx context.Context, tx SignableTx) (Pending, error) {
	nonce, err := c.rpc.PendingNonceAt(ctx, c.wallet)
	if err != nil {
		return Pending{}, fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return Pending{}, fmt.Errorf("get gas price: %w", err)
	}
	gasLimit := tx.GasLimit
	if gasLimit == 0 {
		gasLimit = c.gasLimit
	}
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := tx.To
	raw := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     tx.Data,
	})
	signed, err := types.SignTx(raw, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return Pending{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return Pending{}, fmt.Errorf("send tx: %w", err)
	}
	c.log.Info("transaction submitted", zap.String("hash", signed.Hash().Hex()), zap.String("to", to.Hex()))
	return Pending{Hash: signed.Hash()}, nil
}

// Confirm polls for the receipt until the configured deadline.
func (c *Client) Confirm(ctx context.Context, p Pending) (Receipt, error) {
	deadline := time.Now().Add(c.confirmTimeout)
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, p.Hash)
		if err == nil && receipt != nil {
			return Receipt{
				TxHash:    p.Hash.Hex(),
				Succeeded: receipt.Status == types.ReceiptStatusSuccessful,
				GasUsed:   receipt.GasUsed,
			}, nil
		}
		if time.Now().After(deadline) {
			return Receipt{TxHash: p.Hash.Hex()}, fmt.Errorf("%w: %s", ErrConfirmTimeout, p.Hash.Hex())
		}
		select {
		case <-ctx.Done():
			return Receipt{TxHash: p.Hash.Hex()}, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

// Call performs a read-only eth_call.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := map[string]interface{}{
		"to":   to.Hex(),
		"data": fmt.Sprintf("0x%x", data),
	}
	var result string
	if err := c.rpc.Client().CallContext(ctx, &result, "eth_call", msg, "latest"); err != nil {
		return nil, err
	}
	return common.FromHex(result), nil
}
