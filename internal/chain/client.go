package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const erc20ABIJSON = `[
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Client is the chain access surface the settlement executors depend on.
// Amounts are in token base units.
type Client interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, address string) (*big.Int, error)
	EstimateGas(ctx context.Context, to string, data []byte) (uint64, error)
	SendNativeTransfer(ctx context.Context, to string, amount *big.Int) (string, error)
	SendTokenTransfer(ctx context.Context, to string, amount *big.Int) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string, confirmations uint64) error
	TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error)
}

// EVMOptions parameterise the EVM client and custody wallet.
type EVMOptions struct {
	RPCURL          string
	ChainID         int64
	TokenAddress    string
	CustodyAddress  string
	CustodyPrivKey  string
	ReceiptInterval time.Duration
	RequestTimeout  time.Duration
}

// EVM implements Client over an Ethereum JSON-RPC endpoint, signing custody
// transfers with the treasury key.
type EVM struct {
	opts      EVMOptions
	logger    zerolog.Logger
	key       *ecdsa.PrivateKey
	custody   common.Address
	token     common.Address
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEVM builds the client. The RPC connection is dialled lazily on first use.
func NewEVM(opts EVMOptions, logger zerolog.Logger) (*EVM, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("chain: rpc url not configured")
	}
	if !common.IsHexAddress(opts.TokenAddress) {
		return nil, fmt.Errorf("chain: invalid token address %q", opts.TokenAddress)
	}
	if !common.IsHexAddress(opts.CustodyAddress) {
		return nil, fmt.Errorf("chain: invalid custody address %q", opts.CustodyAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.CustodyPrivKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: parse custody key: %w", err)
	}
	derived := crypto.PubkeyToAddress(key.PublicKey)
	custody := common.HexToAddress(opts.CustodyAddress)
	if derived != custody {
		return nil, fmt.Errorf("chain: custody key does not match address %s", custody.Hex())
	}

	if opts.ReceiptInterval <= 0 {
		opts.ReceiptInterval = 3 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	return &EVM{
		opts:    opts,
		logger:  logger.With().Str("component", "chain_client").Logger(),
		key:     key,
		custody: custody,
		token:   common.HexToAddress(opts.TokenAddress),
	}, nil
}

// Balance returns the native balance of an address.
func (e *EVM) Balance(ctx context.Context, address string) (*big.Int, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return client.BalanceAt(ctx, common.HexToAddress(address), nil)
}

// TokenBalance returns the token balance of an address in base units.
func (e *EVM) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf call: %w", err)
	}

	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return nil, err
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("chain: failed to decode balanceOf output")
	}
	return balance, nil
}

// EstimateGas estimates gas for a call from the custody wallet.
func (e *EVM) EstimateGas(ctx context.Context, to string, data []byte) (uint64, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return 0, err
	}
	target := common.HexToAddress(to)
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return client.EstimateGas(ctx, ethereum.CallMsg{From: e.custody, To: &target, Data: data})
}

// SendNativeTransfer moves native currency from custody to an address.
func (e *EVM) SendNativeTransfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	return e.submit(ctx, common.HexToAddress(to), amount, nil)
}

// SendTokenTransfer moves tokens from custody to an address.
func (e *EVM) SendTokenTransfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	data, err := erc20ABI.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return "", err
	}
	return e.submit(ctx, e.token, big.NewInt(0), data)
}

func (e *EVM) submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	nonce, err := client.PendingNonceAt(ctx, e.custody)
	if err != nil {
		return "", fmt.Errorf("chain: fetch nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: suggest gas price: %w", err)
	}
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{From: e.custody, To: &to, Value: value, Data: data})
	if err != nil {
		return "", fmt.Errorf("chain: estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(e.opts.ChainID)), e.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign transaction: %w", err)
	}

	hash := signed.Hash().Hex()
	if err := client.SendTransaction(ctx, signed); err != nil {
		return hash, classifySubmissionError(hash, err)
	}

	e.logger.Info().Str("tx_hash", hash).Str("to", to.Hex()).Msg("transaction submitted")
	return hash, nil
}

// WaitForConfirmation blocks until the transaction has the requested number
// of confirmations. A still-pending transaction is waited on, never
// resubmitted; a reverted transaction fails with RevertError.
func (e *EVM) WaitForConfirmation(ctx context.Context, txHash string, confirmations uint64) error {
	if confirmations == 0 {
		confirmations = 1
	}
	hash := common.HexToHash(txHash)

	for {
		client, err := e.getClient(ctx)
		if err != nil {
			return err
		}

		receipt, err := client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return &RevertError{Hash: txHash}
			}
			head, headErr := client.BlockNumber(ctx)
			if headErr != nil {
				return headErr
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined && head-mined+1 >= confirmations {
				return nil
			}
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet; keep waiting.
		default:
			return fmt.Errorf("chain: fetch receipt: %w", err)
		}

		timer := time.NewTimer(e.opts.ReceiptInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TransactionReceipt fetches the receipt for a mined transaction.
func (e *EVM) TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, txHash)
	}
	return receipt, err
}

func (e *EVM) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

func (e *EVM) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.RequestTimeout)
}

// ToBaseUnits converts a decimal token amount to integer base units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Round(0).BigInt()
}

// FromBaseUnits converts integer base units back to a decimal token amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -decimals)
}

var _ Client = (*EVM)(nil)
