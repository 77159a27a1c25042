package billing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
	"github.com/autorouter/autorouter/internal/quota"
	"github.com/autorouter/autorouter/internal/requestlog"
	"github.com/autorouter/autorouter/internal/sqlstore"
)

type fakeResolver struct {
	price *domain.ModelPrice
	err   error
}

func (f fakeResolver) Resolve(_ context.Context, _ string) (*domain.ModelPrice, error) {
	return f.price, f.err
}

func newTestRecorder(t *testing.T, prices PriceResolver, tracker *quota.Tracker) *Recorder {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.SQLite, filepath.Join(t.TempDir(), "billing.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	r, err := New(db, sqlstore.SQLite, prices, tracker)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return r
}

func TestRecordUnbilledWhenModelMissing(t *testing.T) {
	r := newTestRecorder(t, fakeResolver{}, nil)
	snap, err := r.Record(context.Background(), Input{RequestLogID: "r1", Model: "", Usage: domain.Usage{PromptTokens: 5}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if snap.BillingStatus != domain.BillingUnbilled || snap.UnbillableReason != domain.ReasonModelMissing {
		t.Fatalf("got %+v", snap)
	}
}

func TestRecordUnbilledWhenUsageZero(t *testing.T) {
	r := newTestRecorder(t, fakeResolver{}, nil)
	snap, err := r.Record(context.Background(), Input{RequestLogID: "r2", Model: "gpt-4o", Usage: domain.Usage{}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if snap.BillingStatus != domain.BillingUnbilled || snap.UnbillableReason != domain.ReasonUsageMissing {
		t.Fatalf("got %+v", snap)
	}
}

func TestRecordUnbilledWhenPriceNotFound(t *testing.T) {
	r := newTestRecorder(t, fakeResolver{price: nil}, nil)
	snap, err := r.Record(context.Background(), Input{RequestLogID: "r3", Model: "unknown", Usage: domain.Usage{PromptTokens: 10}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if snap.BillingStatus != domain.BillingUnbilled || snap.UnbillableReason != domain.ReasonPriceNotFound {
		t.Fatalf("got %+v", snap)
	}
}

func TestRecordComputesCostWithMultipliers(t *testing.T) {
	price := &domain.ModelPrice{Model: "gpt-4o", InputPerMillion: 10, OutputPerMillion: 30, Source: domain.SourceManual}
	r := newTestRecorder(t, fakeResolver{price: price}, nil)
	upstream := domain.Upstream{ID: "u1", BillingInputMultiplier: 1.1, BillingOutputMultiplier: 1.2}
	snap, err := r.Record(context.Background(), Input{
		RequestLogID: "r4",
		Upstream:     upstream,
		Model:        "gpt-4o",
		Usage:        domain.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if snap.BillingStatus != domain.BillingBilled {
		t.Fatalf("expected billed, got %+v", snap)
	}
	want := 10*1.1 + 30*1.2
	if diff := snap.FinalCost - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("got cost %v, want %v", snap.FinalCost, want)
	}
	if snap.Currency != "USD" {
		t.Fatalf("expected USD currency, got %q", snap.Currency)
	}
}

func TestRecordIncludesCacheContributionsWhenPriced(t *testing.T) {
	cacheRead, cacheWrite := 2.0, 4.0
	price := &domain.ModelPrice{
		Model: "claude", InputPerMillion: 10, OutputPerMillion: 30,
		CacheReadPer1M: &cacheRead, CacheWritePer1M: &cacheWrite, Source: domain.SourceManual,
	}
	r := newTestRecorder(t, fakeResolver{price: price}, nil)
	upstream := domain.Upstream{ID: "u1", BillingInputMultiplier: 1, BillingOutputMultiplier: 1}
	snap, err := r.Record(context.Background(), Input{
		RequestLogID: "r5",
		Upstream:     upstream,
		Model:        "claude",
		Usage:        domain.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000, CacheReadTokens: 1_000_000, CacheWriteTokens: 1_000_000},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	want := 10.0 + 30.0 + 2.0 + 4.0
	if diff := snap.FinalCost - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("got cost %v, want %v", snap.FinalCost, want)
	}
}

func TestRecordIsIdempotentOnRetryWithSameRequestLogID(t *testing.T) {
	price := &domain.ModelPrice{Model: "gpt-4o", InputPerMillion: 10, OutputPerMillion: 30, Source: domain.SourceManual}
	r := newTestRecorder(t, fakeResolver{price: price}, nil)
	upstream := domain.Upstream{ID: "u1", BillingInputMultiplier: 1, BillingOutputMultiplier: 1}
	in := Input{RequestLogID: "r6", Upstream: upstream, Model: "gpt-4o", Usage: domain.Usage{PromptTokens: 500_000}}

	if _, err := r.Record(context.Background(), in); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if _, err := r.Record(context.Background(), in); err != nil {
		t.Fatalf("second record (retry): %v", err)
	}

	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM request_billing_snapshots WHERE request_log_id = ?", "r6").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row for retried requestLogId, got %d", count)
	}
}

func TestListSinceJoinsRequestLogsAndSnapshots(t *testing.T) {
	db, err := sqlstore.Open(sqlstore.SQLite, filepath.Join(t.TempDir(), "billing_join.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logs, err := requestlog.New(db, sqlstore.SQLite)
	if err != nil {
		t.Fatalf("new requestlog store: %v", err)
	}
	price := &domain.ModelPrice{Model: "gpt-4o", InputPerMillion: 10, OutputPerMillion: 30, Source: domain.SourceManual}
	r, err := New(db, sqlstore.SQLite, fakeResolver{price: price}, nil)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	now := time.Now().UTC()
	if err := logs.Write(context.Background(), domain.RequestLog{
		ID: "join-1", ApiKeyID: "k1", UpstreamID: "u1", Method: "POST", Path: "/v1/chat/completions",
		Model: "gpt-4o", StatusCode: 200, DurationMs: 120, CreatedAt: now,
	}); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if _, err := r.Record(context.Background(), Input{
		RequestLogID: "join-1", Upstream: domain.Upstream{ID: "u1", BillingInputMultiplier: 1, BillingOutputMultiplier: 1},
		Model: "gpt-4o", Usage: domain.Usage{PromptTokens: 1_000_000},
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, err := r.ListSince(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 joined row, got %d", len(rows))
	}
	if rows[0].UpstreamID != "u1" || rows[0].Model != "gpt-4o" || rows[0].Status != domain.BillingBilled {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if rows[0].Cost != 10 {
		t.Fatalf("expected cost 10, got %v", rows[0].Cost)
	}
}

func TestRecordNotifiesQuotaTrackerOfDelta(t *testing.T) {
	price := &domain.ModelPrice{Model: "gpt-4o", InputPerMillion: 10, OutputPerMillion: 30, Source: domain.SourceManual}
	tracker := quota.NewTracker()
	r := newTestRecorder(t, fakeResolver{price: price}, tracker)
	upstream := domain.Upstream{ID: "u1", BillingInputMultiplier: 1, BillingOutputMultiplier: 1, SpendingLimit: 100, SpendingPeriodType: domain.PeriodDaily}
	now := time.Now()

	if _, err := r.Record(context.Background(), Input{
		RequestLogID: "r7", Upstream: upstream, Model: "gpt-4o",
		Usage: domain.Usage{PromptTokens: 1_000_000}, At: now,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if got := tracker.CurrentSpend(upstream, now); got != 10 {
		t.Fatalf("expected tracker to observe spend of 10, got %v", got)
	}
}
