package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testPaystack(baseURL string) *Paystack {
	return NewPaystack(PaystackOptions{
		BaseURL:       baseURL,
		SecretKey:     "sk_test",
		WebhookSecret: "whsec_test",
		Timeout:       time.Second,
	}, testLogger())
}

func TestInitializeChargeConvertsToKobo(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/initialize" {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Fatalf("缺少 Bearer 认证头")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data": map[string]string{
				"authorization_url": "https://checkout.paystack.com/abc",
				"access_code":       "abc",
				"reference":         "onr_1",
			},
		})
	}))
	defer srv.Close()

	charge, err := testPaystack(srv.URL).InitializeCharge(context.Background(), ChargeParams{
		Reference: "onr_1",
		Amount:    decimal.RequireFromString("9750.50"),
		Email:     "user@example.com",
	})
	if err != nil {
		t.Fatalf("InitializeCharge 失败: %v", err)
	}

	// 9750.50 NGN = 975050 kobo
	if received["amount"] != "975050" {
		t.Fatalf("金额应以 kobo 计, 实际 %v", received["amount"])
	}
	if charge.PaymentURL == "" {
		t.Fatal("应返回支付链接")
	}
}

func TestVerifyChargeStatusMapping(t *testing.T) {
	cases := []struct {
		gatewayStatus string
		want          ChargeStatus
	}{
		{"success", ChargeStatusSuccess},
		{"failed", ChargeStatusFailed},
		{"reversed", ChargeStatusFailed},
		{"abandoned", ChargeStatusPending},
		{"ongoing", ChargeStatusPending},
		{"pending", ChargeStatusPending},
	}

	for _, tc := range cases {
		status := tc.gatewayStatus
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": true,
				"data":   map[string]any{"status": status, "amount": 975050},
			})
		}))

		result, err := testPaystack(srv.URL).VerifyCharge(context.Background(), "onr_1")
		srv.Close()
		if err != nil {
			t.Fatalf("%s: VerifyCharge 失败: %v", status, err)
		}
		if result.Status != tc.want {
			t.Fatalf("%s: 期望 %s, 实际 %s", status, tc.want, result.Status)
		}
		if !result.Amount.Equal(decimal.RequireFromString("9750.5")) {
			t.Fatalf("kobo 应换算回 NGN, 实际 %s", result.Amount)
		}
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  false,
			"message": "Invalid key",
		})
	}))
	defer srv.Close()

	if _, err := testPaystack(srv.URL).VerifyCharge(context.Background(), "x"); err == nil {
		t.Fatal("status=false 应返回错误")
	}
}

func TestCreateRecipient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transferrecipient" {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data":   map[string]string{"recipient_code": "RCP_123"},
		})
	}))
	defer srv.Close()

	code, err := testPaystack(srv.URL).CreateRecipient(context.Background(), RecipientParams{
		AccountNumber: "0123456789",
		BankCode:      "058",
		AccountName:   "Ada Obi",
	})
	if err != nil {
		t.Fatalf("CreateRecipient 失败: %v", err)
	}
	if code != "RCP_123" {
		t.Fatalf("recipient code 不正确: %s", code)
	}
}

func TestInitiatePayout(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transfer" {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data":   map[string]string{"transfer_code": "TRF_9", "reference": "ofr_1", "status": "pending"},
		})
	}))
	defer srv.Close()

	payout, err := testPaystack(srv.URL).InitiatePayout(context.Background(), PayoutParams{
		RecipientCode: "RCP_123",
		Amount:        decimal.RequireFromString("9750.00"),
		Reference:     "ofr_1",
	})
	if err != nil {
		t.Fatalf("InitiatePayout 失败: %v", err)
	}
	if payout.TransferCode != "TRF_9" {
		t.Fatalf("transfer code 不正确: %s", payout.TransferCode)
	}
	if received["source"] != "balance" || received["amount"] != "975000" {
		t.Fatalf("打款请求体不正确: %#v", received)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	p := testPaystack("http://unused")
	payload := []byte(`{"event":"charge.success"}`)

	mac := hmac.New(sha512.New, []byte("whsec_test"))
	mac.Write(payload)
	valid := hex.EncodeToString(mac.Sum(nil))

	if !p.VerifyWebhookSignature(payload, valid) {
		t.Fatal("正确签名应通过")
	}
	if p.VerifyWebhookSignature(payload, "deadbeef") {
		t.Fatal("错误签名应拒绝")
	}
	if p.VerifyWebhookSignature(payload, "not-hex") {
		t.Fatal("非十六进制签名应拒绝")
	}
	if p.VerifyWebhookSignature([]byte(`tampered`), valid) {
		t.Fatal("被篡改的报文应拒绝")
	}
}

func TestMockVerifySequence(t *testing.T) {
	m := NewMock()
	m.SucceedAfter = 2

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		result, err := m.VerifyCharge(ctx, "ref")
		if err != nil {
			t.Fatalf("VerifyCharge 失败: %v", err)
		}
		if result.Status != ChargeStatusPending {
			t.Fatalf("第 %d 次应为 pending, 实际 %s", i+1, result.Status)
		}
	}

	result, err := m.VerifyCharge(ctx, "ref")
	if err != nil {
		t.Fatalf("VerifyCharge 失败: %v", err)
	}
	if result.Status != ChargeStatusSuccess {
		t.Fatalf("第三次应成功, 实际 %s", result.Status)
	}
	if m.VerifyCalls("ref") != 3 {
		t.Fatalf("调用计数不正确: %d", m.VerifyCalls("ref"))
	}
}
