package settlement

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"naira-ramp/internal/alerting"
	"naira-ramp/internal/chain"
	"naira-ramp/internal/gateway"
	"naira-ramp/internal/journal"
	"naira-ramp/internal/quotes"
)

const depositTx = "0xdeadbeef00000000000000000000000000000000000000000000000000000001"

var testBank = quotes.Counterparty{
	BankAccount: "0123456789",
	BankCode:    "058",
	AccountName: "Ada Obi",
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return nil
}

type offrampFixture struct {
	ledger  *quotes.Ledger
	gateway *gateway.Mock
	chain   *spyChain
	journal *journal.MemoryStore
	alerts  *recordingNotifier
	exec    *Offramp
}

func newOfframpFixture(t *testing.T, opts OfframpOptions) *offrampFixture {
	t.Helper()

	ledger := quotes.NewLedger(quotes.NewMemoryStore(), rateAt(1500), quotes.LedgerOptions{}, zerolog.Nop())
	gw := gateway.NewMock()
	spy := newSpyChain()
	js := journal.NewMemoryStore()
	alerts := &recordingNotifier{}

	if opts.CustodyAddress == "" {
		opts.CustodyAddress = testCustody
	}

	return &offrampFixture{
		ledger:  ledger,
		gateway: gw,
		chain:   spy,
		journal: js,
		alerts:  alerts,
		exec:    NewOfframp(ledger, gw, spy, js, nil, alerts, opts, zerolog.Nop()),
	}
}

func (f *offrampFixture) initiate(t *testing.T, usdc string) quotes.Quote {
	t.Helper()
	q, err := f.exec.Initiate(context.Background(), decimal.RequireFromString(usdc), testBank, testUser)
	if err != nil {
		t.Fatalf("Initiate 失败: %v", err)
	}
	return q
}

func TestOfframpExecuteSuccess(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})
	q := f.initiate(t, "6.5")

	result, err := f.exec.Execute(context.Background(), q.ID, depositTx, nil)
	if err != nil {
		t.Fatalf("结算失败: %v", err)
	}
	if result.Status != quotes.StatusCompleted {
		t.Fatalf("期望 completed, 实际 %s", result.Status)
	}
	if result.TransferReference == "" {
		t.Fatal("结果应带转账凭证")
	}
	// 6.5 USDC @ 1500 = 9750.00 NGN
	if !result.FiatAmount.Equal(decimal.RequireFromString("9750.00")) {
		t.Fatalf("法币金额不正确: %s", result.FiatAmount)
	}
	if f.gateway.PayoutCalls() != 1 {
		t.Fatalf("应只发起一次打款, 实际 %d", f.gateway.PayoutCalls())
	}
	if f.chain.transferCount() != 0 {
		t.Fatal("成功结算不应触发退款")
	}
}

func TestOfframpExecuteRequiresTxHash(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})
	q := f.initiate(t, "1")

	if _, err := f.exec.Execute(context.Background(), q.ID, "  ", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("缺少交易哈希应返回 ErrValidation, 实际 %v", err)
	}
}

func TestOfframpPayoutFailureTriggersExactlyOneRefund(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})
	f.gateway.FailPayouts = true

	q := f.initiate(t, "6.5")

	result, err := f.exec.Execute(context.Background(), q.ID, depositTx, nil)
	if err == nil {
		t.Fatal("打款失败应返回错误")
	}
	var compErr *CompensationError
	if errors.As(err, &compErr) {
		t.Fatal("退款成功时不应升级为 CompensationError")
	}
	if !result.RefundAttempted {
		t.Fatal("结果应标记 RefundAttempted")
	}
	if result.RefundTxHash == "" {
		t.Fatal("结果应带退款交易哈希")
	}

	// 退款恰好一次, 金额为原始 6.5 USDC
	if f.chain.transferCount() != 1 {
		t.Fatalf("应恰好退款一次, 实际 %d", f.chain.transferCount())
	}
	refund := f.chain.transfers[0]
	if refund.To != testUser {
		t.Fatalf("退款应回到用户地址, 实际 %s", refund.To)
	}
	if refund.Amount.Cmp(big.NewInt(6_500_000)) != 0 {
		t.Fatalf("退款金额应为原始数量, 实际 %s", refund.Amount)
	}

	// 告警降级为 warning
	if len(f.alerts.notes) != 1 || f.alerts.notes[0].Severity != alerting.SeverityWarning {
		t.Fatalf("应发送一条 warning 告警: %#v", f.alerts.notes)
	}

	stored, getErr := f.ledger.Get(context.Background(), q.ID)
	if getErr != nil {
		t.Fatalf("读取报价失败: %v", getErr)
	}
	if stored.Status != quotes.StatusFailed || !stored.RefundAttempted {
		t.Fatalf("报价应为 failed 且标记退款: %+v", stored)
	}
}

func TestOfframpRefundFailureEscalates(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})
	f.gateway.FailPayouts = true
	f.chain.sendErr = errors.New("rpc down")

	q := f.initiate(t, "2")

	_, err := f.exec.Execute(context.Background(), q.ID, depositTx, nil)
	var compErr *CompensationError
	if !errors.As(err, &compErr) {
		t.Fatalf("退款失败应升级为 CompensationError, 实际 %v", err)
	}
	if compErr.QuoteID != q.ID {
		t.Fatalf("CompensationError 应带报价 ID")
	}
	if len(f.alerts.notes) != 1 || f.alerts.notes[0].Severity != alerting.SeverityCritical {
		t.Fatalf("应发送一条 critical 告警: %#v", f.alerts.notes)
	}
}

func TestOfframpConfirmationFailureSkipsRefund(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})
	f.chain.confirmErr = &chain.RevertError{Hash: depositTx}

	q := f.initiate(t, "1")

	_, err := f.exec.Execute(context.Background(), q.ID, depositTx, nil)
	if err == nil {
		t.Fatal("入金未确认应返回错误")
	}
	// 资金从未入托管, 不应退款
	if f.chain.transferCount() != 0 {
		t.Fatal("确认失败不应触发退款")
	}
	if f.gateway.PayoutCalls() != 0 {
		t.Fatal("确认失败不应发起打款")
	}
}

func TestOfframpDoubleExecuteIdempotent(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})
	q := f.initiate(t, "3")

	first, err := f.exec.Execute(context.Background(), q.ID, depositTx, nil)
	if err != nil {
		t.Fatalf("首次结算失败: %v", err)
	}

	second, err := f.exec.Execute(context.Background(), q.ID, depositTx, nil)
	if err != nil {
		t.Fatalf("重复结算不应报错: %v", err)
	}
	if !second.AlreadySettled {
		t.Fatal("重复结算应标记 AlreadySettled")
	}
	if second.TransferReference != first.TransferReference {
		t.Fatal("重复结算应返回同一转账凭证")
	}
	if f.gateway.PayoutCalls() != 1 {
		t.Fatalf("幂等: 永远只打款一次, 实际 %d", f.gateway.PayoutCalls())
	}
}

func TestOfframpOwnerUnknownRefundEscalates(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})
	f.gateway.FailPayouts = true

	// 不提供 OwnerAddress
	q, err := f.exec.Initiate(context.Background(), decimal.NewFromInt(1), testBank, "")
	if err != nil {
		t.Fatalf("Initiate 失败: %v", err)
	}

	_, err = f.exec.Execute(context.Background(), q.ID, depositTx, nil)
	var compErr *CompensationError
	if !errors.As(err, &compErr) {
		t.Fatalf("无退款地址应升级为 CompensationError, 实际 %v", err)
	}
	if !strings.Contains(compErr.Refund.Error(), "owner address unknown") {
		t.Fatalf("退款错误应说明地址未知: %v", compErr.Refund)
	}
}

func TestOfframpExpiredQuote(t *testing.T) {
	future := time.Now().Add(time.Hour)
	f := newOfframpFixture(t, OfframpOptions{Now: func() time.Time { return future }})

	q := f.initiate(t, "1")

	_, err := f.exec.Execute(context.Background(), q.ID, depositTx, nil)
	if !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("过期报价应返回 ErrQuoteExpired, 实际 %v", err)
	}
}

func TestCompensateOnTerminalQuoteKeepsQuoteID(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})
	q := f.initiate(t, "2")

	// 报价已被并发路径推到终态
	if _, err := f.ledger.Transition(context.Background(), q.ID, quotes.StatusProcessing, nil); err != nil {
		t.Fatalf("claim 失败: %v", err)
	}
	if _, err := f.ledger.Transition(context.Background(), q.ID, quotes.StatusFailed, nil); err != nil {
		t.Fatalf("置失败失败: %v", err)
	}

	result, err := f.exec.compensate(context.Background(), q, depositTx, errors.New("payout declined"))
	if err == nil {
		t.Fatal("补偿路径应返回错误")
	}
	if !result.RefundAttempted {
		t.Fatal("结果应标记 RefundAttempted")
	}

	// 终态竞争下流水不能落到空 ID 上
	entries, qErr := f.journal.Query(context.Background(), journal.Filter{Type: journal.TypeOfframp})
	if qErr != nil {
		t.Fatalf("查询流水失败: %v", qErr)
	}
	if len(entries) != 1 || entries[0].ID != q.ID {
		t.Fatalf("流水应保留报价 ID, 实际 %#v", entries)
	}
}

func TestManualRefund(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})

	txHash, err := f.exec.ManualRefund(context.Background(), ManualRefundParams{
		UserAddress:  testUser,
		StableAmount: decimal.RequireFromString("1.25"),
		Reason:       "support ticket 4521",
	})
	if err != nil {
		t.Fatalf("手工退款失败: %v", err)
	}
	if txHash == "" {
		t.Fatal("应返回退款交易哈希")
	}
	if f.chain.transfers[0].Amount.Cmp(big.NewInt(1_250_000)) != 0 {
		t.Fatalf("退款金额不正确: %s", f.chain.transfers[0].Amount)
	}

	entries, err := f.journal.Query(context.Background(), journal.Filter{Type: journal.TypeRefund})
	if err != nil {
		t.Fatalf("查询流水失败: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].ID, "rfd_") {
		t.Fatalf("退款应写入流水: %#v", entries)
	}
}

func TestManualRefundValidation(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})

	if _, err := f.exec.ManualRefund(context.Background(), ManualRefundParams{
		UserAddress:  "not-an-address",
		StableAmount: decimal.NewFromInt(1),
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("非法地址应返回 ErrValidation, 实际 %v", err)
	}

	if _, err := f.exec.ManualRefund(context.Background(), ManualRefundParams{
		UserAddress:  testUser,
		StableAmount: decimal.Zero,
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("零金额应返回 ErrValidation, 实际 %v", err)
	}
}

func TestManualRefundInsufficientBalance(t *testing.T) {
	f := newOfframpFixture(t, OfframpOptions{})
	f.chain.tokenBalance = big.NewInt(1)

	_, err := f.exec.ManualRefund(context.Background(), ManualRefundParams{
		UserAddress:  testUser,
		StableAmount: decimal.NewFromInt(5),
	})
	if !errors.Is(err, chain.ErrInsufficientBalance) {
		t.Fatalf("余额不足应返回 ErrInsufficientBalance, 实际 %v", err)
	}
}
