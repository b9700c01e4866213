package journal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func seedEntries(t *testing.T, s *MemoryStore) {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{ID: "onr_1", Type: TypeOnramp, OwnerAddress: "0xAAA", Amount: decimal.NewFromInt(5), Currency: "USDC", Status: "completed", Timestamp: base},
		{ID: "ofr_1", Type: TypeOfframp, OwnerAddress: "0xBBB", Amount: decimal.NewFromInt(9000), Currency: "NGN", Status: "failed", Timestamp: base.Add(time.Minute)},
		{ID: "onr_2", Type: TypeOnramp, OwnerAddress: "0xaaa", Amount: decimal.NewFromInt(2), Currency: "USDC", Status: "completed", Timestamp: base.Add(2 * time.Minute)},
		{ID: "rfd_1", Type: TypeRefund, OwnerAddress: "0xBBB", Amount: decimal.NewFromInt(6), Currency: "USDC", Status: "completed", Timestamp: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		if err := s.Upsert(context.Background(), e); err != nil {
			t.Fatalf("Upsert 失败: %v", err)
		}
	}
}

func TestQueryNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	seedEntries(t, s)

	entries, err := s.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query 失败: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("期望 4 条, 实际 %d", len(entries))
	}
	if entries[0].ID != "rfd_1" || entries[3].ID != "onr_1" {
		t.Fatalf("应按时间倒序: %s .. %s", entries[0].ID, entries[3].ID)
	}
}

func TestQueryOwnerCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	seedEntries(t, s)

	entries, err := s.Query(context.Background(), Filter{OwnerAddress: "0xAaA"})
	if err != nil {
		t.Fatalf("Query 失败: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("地址匹配应忽略大小写, 实际 %d 条", len(entries))
	}
}

func TestQueryTypeAndStatus(t *testing.T) {
	s := NewMemoryStore()
	seedEntries(t, s)

	entries, err := s.Query(context.Background(), Filter{Type: TypeOfframp, Status: "failed"})
	if err != nil {
		t.Fatalf("Query 失败: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "ofr_1" {
		t.Fatalf("过滤结果不正确: %#v", entries)
	}
}

func TestQueryPagination(t *testing.T) {
	s := NewMemoryStore()
	seedEntries(t, s)

	page, err := s.Query(context.Background(), Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Query 失败: %v", err)
	}
	if len(page) != 2 || page[0].ID != "onr_2" || page[1].ID != "ofr_1" {
		t.Fatalf("分页结果不正确: %#v", page)
	}

	empty, err := s.Query(context.Background(), Filter{Offset: 10})
	if err != nil {
		t.Fatalf("Query 失败: %v", err)
	}
	if len(empty) != 0 {
		t.Fatal("越界 offset 应返回空")
	}
}

func TestUpsertMergesMetadata(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := Entry{ID: "onr_1", Type: TypeOnramp, Status: "processing", Metadata: map[string]string{"stage": "payment_verifying", "rate": "1500"}}
	if err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert 失败: %v", err)
	}

	second := Entry{ID: "onr_1", Type: TypeOnramp, Status: "completed", Metadata: map[string]string{"stage": "complete"}}
	if err := s.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert 失败: %v", err)
	}

	entries, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query 失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("同一 ID 应只保留一条, 实际 %d", len(entries))
	}
	got := entries[0]
	if got.Status != "completed" {
		t.Fatalf("状态应被更新, 实际 %s", got.Status)
	}
	if got.Metadata["stage"] != "complete" || got.Metadata["rate"] != "1500" {
		t.Fatalf("metadata 应合并而不是覆盖: %#v", got.Metadata)
	}
}
