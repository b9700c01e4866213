package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"naira-ramp/internal/chain"
	"naira-ramp/internal/gateway"
	"naira-ramp/internal/journal"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/quotes"
	"naira-ramp/internal/rates"
	"naira-ramp/internal/settlement"
)

// SimulateOnramp 使用给定汇率在内存中完整跑一遍 on-ramp 结算流程，
// 不触碰真实支付网关和链上资金。
func (a *App) SimulateOnramp(ctx context.Context, fiatAmount, rate decimal.Decimal, userAddress string) error {
	if fiatAmount.Sign() <= 0 || rate.Sign() <= 0 {
		return errors.New("--amount 与 --rate 必须大于 0")
	}

	oracle := rates.NewOracle([]rates.Source{staticSource{rate: rate}}, rates.OracleOptions{
		Margin: a.Config.Rates.Margin,
	}, a.Logger)

	ledger := quotes.NewLedger(quotes.NewMemoryStore(), oracle, quotes.LedgerOptions{
		OnrampWindow:  a.Config.Settlement.OnrampQuoteWindow,
		OfframpWindow: a.Config.Settlement.OfframpQuoteWindow,
	}, a.Logger)

	gw := gateway.NewMock()
	m := metrics.New()

	onramp := settlement.NewOnramp(ledger, gw, simulatedChain{}, journal.NewMemoryStore(), m, settlement.OnrampOptions{
		PollInterval:   a.Config.Settlement.VerifyPollInterval,
		MaxAttempts:    a.Config.Settlement.VerifyMaxAttempts,
		Confirmations:  1,
		CustodyAddress: simulatedCustody,
		TokenDecimals:  a.Config.Chain.USDCDecimals,
		Sleep:          func(context.Context, time.Duration) error { return nil },
	}, a.Logger)

	q, payURL, err := onramp.Initiate(ctx, fiatAmount, userAddress, "simulated@example.com")
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "quote: %s\n", q.ID)
	fmt.Fprintf(os.Stdout, "rate: %s NGN/USDC (margin %s)\n", q.Rate.FiatToStable.String(), q.Rate.Margin.String())
	fmt.Fprintf(os.Stdout, "fiat: %s NGN -> stable: %s USDC\n", q.FiatAmount.StringFixed(2), q.StableAmount.StringFixed(6))
	fmt.Fprintf(os.Stdout, "payment url: %s\n", payURL)

	result, err := onramp.VerifyAndSettle(ctx, q.ID, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "status: %s\n", result.Status)
	fmt.Fprintf(os.Stdout, "chain tx: %s\n", result.ChainTxHash)
	return nil
}

const simulatedCustody = "0x00000000000000000000000000000000000C0DE5"

type staticSource struct {
	rate decimal.Decimal
}

func (s staticSource) Name() string { return "simulated" }

func (s staticSource) Fetch(context.Context) (decimal.Decimal, error) {
	return s.rate, nil
}

// simulatedChain acknowledges every transfer instantly with a deterministic
// pseudo hash.
type simulatedChain struct{}

func (simulatedChain) Balance(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (simulatedChain) TokenBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int).Lsh(big.NewInt(1), 62), nil
}

func (simulatedChain) EstimateGas(context.Context, string, []byte) (uint64, error) {
	return 65000, nil
}

func (simulatedChain) SendNativeTransfer(_ context.Context, to string, amount *big.Int) (string, error) {
	return pseudoHash("native", to, amount), nil
}

func (simulatedChain) SendTokenTransfer(_ context.Context, to string, amount *big.Int) (string, error) {
	return pseudoHash("token", to, amount), nil
}

func (simulatedChain) WaitForConfirmation(context.Context, string, uint64) error {
	return nil
}

func (simulatedChain) TransactionReceipt(context.Context, string) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func pseudoHash(kind, to string, amount *big.Int) string {
	sum := sha256.Sum256([]byte(kind + to + amount.String()))
	return "0x" + hex.EncodeToString(sum[:])
}

var _ chain.Client = simulatedChain{}
var _ rates.Source = staticSource{}
