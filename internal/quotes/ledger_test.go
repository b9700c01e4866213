package quotes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"naira-ramp/internal/rates"
)

const testAddress = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

type fixedRates struct {
	rate rates.Rate
	err  error
}

func (f fixedRates) Current(context.Context) (rates.Rate, error) {
	if f.err != nil {
		return rates.Rate{}, f.err
	}
	return f.rate, nil
}

func testRate(ngnPerUSDC int64) fixedRates {
	fiatToStable := decimal.NewFromInt(ngnPerUSDC)
	return fixedRates{rate: rates.Rate{
		FiatToStable: fiatToStable,
		StableToFiat: decimal.NewFromInt(1).Div(fiatToStable),
		CapturedAt:   time.Now().UTC(),
		Source:       "test",
	}}
}

func testLedger(t *testing.T, provider RateProvider) *Ledger {
	t.Helper()
	return NewLedger(NewMemoryStore(), provider, LedgerOptions{}, zerolog.Nop())
}

func TestCreateOnrampQuote(t *testing.T) {
	l := testLedger(t, testRate(1500))

	q, err := l.Create(context.Background(), CreateParams{
		Direction:     DirectionOnramp,
		CounterAmount: decimal.NewFromInt(10000),
		OwnerAddress:  testAddress,
	})
	if err != nil {
		t.Fatalf("创建报价失败: %v", err)
	}

	if !strings.HasPrefix(q.ID, "onr_") {
		t.Fatalf("onramp 报价 ID 前缀不正确: %s", q.ID)
	}
	// 10000 / 1500 = 6.666667 (六位小数)
	want := decimal.RequireFromString("6.666667")
	if !q.StableAmount.Equal(want) {
		t.Fatalf("期望 %s USDC, 实际 %s", want, q.StableAmount)
	}
	if q.Status != StatusPending {
		t.Fatalf("新报价应为 pending, 实际 %s", q.Status)
	}
	if q.Counterparty.ChainAddress != testAddress {
		t.Fatalf("onramp 目标地址应回落到 OwnerAddress")
	}
	if !q.ExpiresAt.After(q.CreatedAt) {
		t.Fatal("ExpiresAt 应晚于 CreatedAt")
	}
}

func TestCreateOfframpQuote(t *testing.T) {
	l := testLedger(t, testRate(1500))

	q, err := l.Create(context.Background(), CreateParams{
		Direction:     DirectionOfframp,
		CounterAmount: decimal.RequireFromString("6.5"),
		Counterparty: Counterparty{
			BankAccount: "0123456789",
			BankCode:    "058",
			AccountName: "Ada Obi",
		},
		OwnerAddress: testAddress,
	})
	if err != nil {
		t.Fatalf("创建报价失败: %v", err)
	}

	if !strings.HasPrefix(q.ID, "ofr_") {
		t.Fatalf("offramp 报价 ID 前缀不正确: %s", q.ID)
	}
	want := decimal.RequireFromString("9750.00")
	if !q.FiatAmount.Equal(want) {
		t.Fatalf("期望 %s NGN, 实际 %s", want, q.FiatAmount)
	}
}

func TestCreateValidation(t *testing.T) {
	l := testLedger(t, testRate(1500))

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"zero amount", CreateParams{Direction: DirectionOnramp, CounterAmount: decimal.Zero, OwnerAddress: testAddress}},
		{"negative amount", CreateParams{Direction: DirectionOnramp, CounterAmount: decimal.NewFromInt(-5), OwnerAddress: testAddress}},
		{"bad address", CreateParams{Direction: DirectionOnramp, CounterAmount: decimal.NewFromInt(100), OwnerAddress: "not-an-address"}},
		{"missing bank", CreateParams{Direction: DirectionOfframp, CounterAmount: decimal.NewFromInt(1), OwnerAddress: testAddress}},
		{"unknown direction", CreateParams{Direction: "sideways", CounterAmount: decimal.NewFromInt(1)}},
	}

	for _, tc := range cases {
		if _, err := l.Create(context.Background(), tc.params); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: 应返回 ErrValidation, 实际 %v", tc.name, err)
		}
	}
}

func TestCreateRateUnavailable(t *testing.T) {
	l := testLedger(t, fixedRates{err: rates.ErrRateUnavailable})

	_, err := l.Create(context.Background(), CreateParams{
		Direction:     DirectionOnramp,
		CounterAmount: decimal.NewFromInt(100),
		OwnerAddress:  testAddress,
	})
	if !errors.Is(err, rates.ErrRateUnavailable) {
		t.Fatalf("汇率不可用时应透传错误, 实际 %v", err)
	}
}

func TestTransitionMonotonic(t *testing.T) {
	l := testLedger(t, testRate(1500))
	ctx := context.Background()

	q, err := l.Create(ctx, CreateParams{
		Direction:     DirectionOnramp,
		CounterAmount: decimal.NewFromInt(100),
		OwnerAddress:  testAddress,
	})
	if err != nil {
		t.Fatalf("创建报价失败: %v", err)
	}

	// pending 不能直接 completed
	if _, err := l.Transition(ctx, q.ID, StatusCompleted, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed 应被拒绝, 实际 %v", err)
	}

	if _, err := l.Transition(ctx, q.ID, StatusProcessing, nil); err != nil {
		t.Fatalf("pending->processing 失败: %v", err)
	}
	if _, err := l.Transition(ctx, q.ID, StatusCompleted, nil); err != nil {
		t.Fatalf("processing->completed 失败: %v", err)
	}

	// 终态之后任何转换都应拒绝, 且错误可区分于 ErrNotFound
	_, err = l.Transition(ctx, q.ID, StatusFailed, nil)
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("终态转换应返回 ErrAlreadyProcessed, 实际 %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("ErrAlreadyProcessed 不应与 ErrNotFound 混淆")
	}
}

func TestTransitionApplyMutatesQuote(t *testing.T) {
	l := testLedger(t, testRate(1500))
	ctx := context.Background()

	q, err := l.Create(ctx, CreateParams{
		Direction:     DirectionOnramp,
		CounterAmount: decimal.NewFromInt(100),
		OwnerAddress:  testAddress,
	})
	if err != nil {
		t.Fatalf("创建报价失败: %v", err)
	}

	if _, err := l.Transition(ctx, q.ID, StatusProcessing, nil); err != nil {
		t.Fatalf("转换失败: %v", err)
	}
	updated, err := l.Transition(ctx, q.ID, StatusCompleted, func(q *Quote) error {
		q.ChainTxHash = "0xabc"
		return nil
	})
	if err != nil {
		t.Fatalf("转换失败: %v", err)
	}
	if updated.ChainTxHash != "0xabc" {
		t.Fatal("apply 回调的修改应持久化")
	}

	stored, err := l.Get(ctx, q.ID)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if stored.ChainTxHash != "0xabc" {
		t.Fatal("存储中的报价应包含 apply 的修改")
	}
}

func TestReconstructIfMissing(t *testing.T) {
	l := testLedger(t, testRate(1500))
	ctx := context.Background()

	reconstructed := 0
	l.onReconstruct = func(string) { reconstructed++ }

	params := CreateParams{
		Direction:     DirectionOnramp,
		CounterAmount: decimal.NewFromInt(3000),
		OwnerAddress:  testAddress,
	}

	q, err := l.ReconstructIfMissing(ctx, "onr_lost", params)
	if err != nil {
		t.Fatalf("重建报价失败: %v", err)
	}
	if !q.Reconstructed {
		t.Fatal("重建的报价应标记 Reconstructed")
	}
	if !q.StableAmount.Equal(decimal.RequireFromString("2.000000")) {
		t.Fatalf("重建应按当前汇率定价, 实际 %s", q.StableAmount)
	}
	if reconstructed != 1 {
		t.Fatalf("OnReconstruct 应触发一次, 实际 %d", reconstructed)
	}

	// 第二次调用应返回已存储的报价, 不再重建
	again, err := l.ReconstructIfMissing(ctx, "onr_lost", params)
	if err != nil {
		t.Fatalf("二次调用失败: %v", err)
	}
	if again.ID != q.ID || reconstructed != 1 {
		t.Fatal("重复调用不应再次重建")
	}
}

func TestReconstructWithoutData(t *testing.T) {
	l := testLedger(t, testRate(1500))

	_, err := l.ReconstructIfMissing(context.Background(), "onr_gone", CreateParams{Direction: DirectionOnramp})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("无冗余数据时应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestUpdateStatusApplyErrorLeavesQuoteUntouched(t *testing.T) {
	store := NewMemoryStore()
	err := store.Insert(context.Background(), Quote{
		ID:     "onr_apply",
		Status: StatusProcessing,
	})
	if err != nil {
		t.Fatalf("写入报价失败: %v", err)
	}

	_, err = store.UpdateStatus(context.Background(), "onr_apply", StatusCompleted, func(q *Quote) error {
		q.ChainTxHash = "0xpartial"
		return errors.New("apply rejected")
	})
	if err == nil {
		t.Fatal("回调报错时 UpdateStatus 应失败")
	}

	// 回调失败不能留下半截修改
	stored, getErr := store.Get(context.Background(), "onr_apply")
	if getErr != nil {
		t.Fatalf("读取报价失败: %v", getErr)
	}
	if stored.Status != StatusProcessing {
		t.Fatalf("状态不应改变, 实际 %s", stored.Status)
	}
	if stored.ChainTxHash != "" {
		t.Fatalf("回调的修改不应落库, 实际 %q", stored.ChainTxHash)
	}
}

func TestQuoteExpired(t *testing.T) {
	now := time.Now().UTC()
	q := Quote{ExpiresAt: now.Add(time.Minute)}

	if q.Expired(now) {
		t.Fatal("未到期的报价不应判定为过期")
	}
	if !q.Expired(now.Add(2 * time.Minute)) {
		t.Fatal("超过 ExpiresAt 后应判定为过期")
	}
}
