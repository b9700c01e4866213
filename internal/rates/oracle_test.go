package rates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type stubSource struct {
	name string
	rate decimal.Decimal
	err  error
	hits int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(context.Context) (decimal.Decimal, error) {
	s.hits++
	if s.err != nil {
		return decimal.Decimal{}, s.err
	}
	return s.rate, nil
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestOracleAppliesMargin(t *testing.T) {
	src := &stubSource{name: "a", rate: decimal.NewFromInt(1500)}
	o := NewOracle([]Source{src}, OracleOptions{Margin: 0.015}, noopLogger())

	rate, err := o.Current(context.Background())
	if err != nil {
		t.Fatalf("Current 不应报错: %v", err)
	}

	want := decimal.NewFromFloat(1522.5)
	if !rate.FiatToStable.Equal(want) {
		t.Fatalf("期望 FiatToStable %s, 实际 %s", want, rate.FiatToStable)
	}
	if rate.Source != "a" {
		t.Fatalf("来源应为 a, 实际 %s", rate.Source)
	}
}

func TestOracleReciprocal(t *testing.T) {
	src := &stubSource{name: "a", rate: decimal.NewFromInt(1500)}
	o := NewOracle([]Source{src}, OracleOptions{Margin: 0.015}, noopLogger())

	rate, err := o.Current(context.Background())
	if err != nil {
		t.Fatalf("Current 不应报错: %v", err)
	}

	product := rate.FiatToStable.Mul(rate.StableToFiat)
	diff := product.Sub(decimal.NewFromInt(1)).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(1e-12)) {
		t.Fatalf("两个方向的汇率应互为倒数, 乘积 %s", product)
	}
}

func TestOracleFailover(t *testing.T) {
	primary := &stubSource{name: "primary", err: errors.New("down")}
	secondary := &stubSource{name: "secondary", rate: decimal.NewFromInt(1480)}

	var failed []string
	o := NewOracle([]Source{primary, secondary}, OracleOptions{
		OnSourceError: func(source string) { failed = append(failed, source) },
	}, noopLogger())

	rate, err := o.Current(context.Background())
	if err != nil {
		t.Fatalf("次级数据源可用时不应报错: %v", err)
	}
	if rate.Source != "secondary" {
		t.Fatalf("应回退到 secondary, 实际 %s", rate.Source)
	}
	if len(failed) != 1 || failed[0] != "primary" {
		t.Fatalf("应只记录 primary 失败: %#v", failed)
	}
}

func TestOracleCacheWithinTTL(t *testing.T) {
	src := &stubSource{name: "a", rate: decimal.NewFromInt(1500)}
	now := time.Now()
	o := NewOracle([]Source{src}, OracleOptions{
		CacheTTL: 30 * time.Second,
		Now:      func() time.Time { return now },
	}, noopLogger())

	if _, err := o.Current(context.Background()); err != nil {
		t.Fatalf("首次获取失败: %v", err)
	}
	if _, err := o.Current(context.Background()); err != nil {
		t.Fatalf("缓存期内获取失败: %v", err)
	}
	if src.hits != 1 {
		t.Fatalf("TTL 内应只请求一次数据源, 实际 %d", src.hits)
	}

	now = now.Add(31 * time.Second)
	if _, err := o.Current(context.Background()); err != nil {
		t.Fatalf("过期后获取失败: %v", err)
	}
	if src.hits != 2 {
		t.Fatalf("缓存过期后应重新请求, 实际 %d 次", src.hits)
	}
}

func TestOracleServesStaleOnTotalFailure(t *testing.T) {
	src := &stubSource{name: "a", rate: decimal.NewFromInt(1500)}
	now := time.Now()
	o := NewOracle([]Source{src}, OracleOptions{
		CacheTTL: time.Second,
		Now:      func() time.Time { return now },
	}, noopLogger())

	first, err := o.Current(context.Background())
	if err != nil {
		t.Fatalf("首次获取失败: %v", err)
	}

	src.err = errors.New("all down")
	now = now.Add(time.Minute)

	stale, err := o.Current(context.Background())
	if err != nil {
		t.Fatalf("有缓存时应降级为陈旧数据而不是报错: %v", err)
	}
	if !stale.FiatToStable.Equal(first.FiatToStable) {
		t.Fatalf("陈旧数据应与上次捕获一致")
	}
}

func TestOracleUnavailableWithoutCache(t *testing.T) {
	src := &stubSource{name: "a", err: errors.New("down")}
	o := NewOracle([]Source{src}, OracleOptions{}, noopLogger())

	if _, err := o.Current(context.Background()); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("无缓存且全部失败时应返回 ErrRateUnavailable, 实际 %v", err)
	}
}

func TestOracleRejectsNonPositiveRate(t *testing.T) {
	src := &stubSource{name: "a", rate: decimal.Zero}
	o := NewOracle([]Source{src}, OracleOptions{}, noopLogger())

	if _, err := o.Current(context.Background()); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("非正汇率应视为数据源失败, 实际 %v", err)
	}
}
