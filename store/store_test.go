package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpkeeper/models"
)

func sampleEvent() models.DomainEvent {
	return models.DomainEvent{
		ID:          "7f2f9a6e-0000-0000-0000-000000000001",
		Kind:        models.EventTradeFill,
		Market:      "BTC-PERP",
		Account:     "ctl",
		Slot:        900,
		Seq:         17,
		EmittedAt:   time.Unix(1_700_000_000, 0).UTC(),
		Side:        "bid",
		IsMaker:     true,
		Price:       decimal.RequireFromString("43000.5"),
		Size:        decimal.RequireFromString("0.25"),
		QuoteAmount: decimal.RequireFromString("10750.125"),
	}
}

func TestRecordFromEventPreservesIdentity(t *testing.T) {
	ev := sampleEvent()
	rec := recordFromEvent(ev)

	if rec.ID != ev.ID || rec.Kind != string(ev.Kind) || rec.Market != ev.Market ||
		rec.Account != ev.Account || rec.Slot != ev.Slot || rec.Seq != ev.Seq {
		t.Fatalf("identity mismatch: %+v", rec)
	}
	if !rec.Price.Equal(ev.Price) || !rec.Size.Equal(ev.Size) {
		t.Fatalf("amounts mismatch: %+v", rec)
	}
	if !rec.IsMaker || rec.Side != "bid" {
		t.Fatalf("fill detail mismatch: %+v", rec)
	}
}

func TestClassifyEventsRoutesByKind(t *testing.T) {
	fill := sampleEvent()

	funding := models.DomainEvent{
		ID:           "7f2f9a6e-0000-0000-0000-000000000002",
		Kind:         models.EventFunding,
		Market:       "BTC-PERP",
		Slot:         901,
		EmittedAt:    time.Unix(1_700_000_060, 0).UTC(),
		FundingIndex: decimal.RequireFromString("1.000042"),
		MarkTwap:     decimal.RequireFromString("43001"),
	}
	liq := models.DomainEvent{
		ID:        "7f2f9a6e-0000-0000-0000-000000000003",
		Kind:      models.EventLiquidation,
		Account:   "ctl",
		Slot:      902,
		EmittedAt: time.Unix(1_700_000_120, 0).UTC(),
		Note:      "control flagged liquidated",
	}
	diag := models.DomainEvent{
		ID:   "7f2f9a6e-0000-0000-0000-000000000004",
		Kind: models.EventDiagnostic,
		Note: "3 queue entries consumed before they were observed",
	}

	batch := classifyEvents([]models.DomainEvent{fill, funding, liq, diag})

	if len(batch.fills) != 1 || len(batch.funding) != 1 || len(batch.liquidations) != 1 {
		t.Fatalf("routing = %d fills, %d funding, %d liquidations",
			len(batch.fills), len(batch.funding), len(batch.liquidations))
	}
	if len(batch.pnl) != 0 || len(batch.bankruptcies) != 0 {
		t.Fatalf("unexpected rows: %d pnl, %d bankruptcies", len(batch.pnl), len(batch.bankruptcies))
	}

	f := batch.fills[0]
	if f.ID != fill.ID || f.Seq != fill.Seq || !f.Price.Equal(fill.Price) || f.Side != "bid" {
		t.Fatalf("fill row mismatch: %+v", f)
	}
	fr := batch.funding[0]
	if fr.Market != "BTC-PERP" || !fr.FundingIndex.Equal(funding.FundingIndex) {
		t.Fatalf("funding row mismatch: %+v", fr)
	}
	lr := batch.liquidations[0]
	if lr.Account != "ctl" || lr.Slot != 902 || lr.Note == "" {
		t.Fatalf("liquidation row mismatch: %+v", lr)
	}
}

func TestEventMessagesKeyedByMarket(t *testing.T) {
	events := []models.DomainEvent{sampleEvent(), sampleEvent()}
	events[1].Market = "SOL-PERP"

	msgs, err := eventMessages(events)
	if err != nil {
		t.Fatalf("eventMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if string(msgs[0].Key) != "BTC-PERP" || string(msgs[1].Key) != "SOL-PERP" {
		t.Fatalf("keys = %q, %q", msgs[0].Key, msgs[1].Key)
	}

	var decoded models.DomainEvent
	if err := json.Unmarshal(msgs[0].Value, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.ID != events[0].ID || !decoded.Price.Equal(events[0].Price) {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
}

func TestGenerateS3KeyLayout(t *testing.T) {
	a := &Archiver{config: ArchiverConfig{Prefix: "perpkeeper"}}
	at := time.Date(2026, 8, 21, 6, 30, 0, 0, time.UTC)

	key := a.generateS3Key("BTC-PERP", at)
	want := "perpkeeper/market=BTC-PERP/year=2026/month=08/day=21/hour=06/events_BTC-PERP_20260821063000.parquet"
	if key != want {
		t.Fatalf("key = %s, want %s", key, want)
	}
	if strings.Contains(key, "\\") {
		t.Fatalf("key contains backslash: %s", key)
	}
}

func TestCreateParquetFile(t *testing.T) {
	a := &Archiver{config: ArchiverConfig{Compression: "snappy"}}

	data, err := a.createParquetFile([]models.DomainEvent{sampleEvent()})
	if err != nil {
		t.Fatalf("createParquetFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// parquet files start and end with the PAR1 magic
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("not a parquet file: % x ... % x", data[:4], data[len(data)-4:])
	}
}

func TestWebhookFeedPostsEnvelopes(t *testing.T) {
	var bodies []map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %s", r.Header.Get("Content-Type"))
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]json.RawMessage
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wf, err := NewWebhookFeed(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookFeed: %v", err)
	}
	defer wf.Close()

	ctx := context.Background()
	if err := wf.SaveEvents(ctx, []models.DomainEvent{sampleEvent()}); err != nil {
		t.Fatalf("SaveEvents: %v", err)
	}
	if err := wf.SaveLogs(ctx, []models.LogLine{{Signature: "sig", Slot: 7, Line: "Program log: ok"}}); err != nil {
		t.Fatalf("SaveLogs: %v", err)
	}

	if len(bodies) != 2 {
		t.Fatalf("posts = %d, want 2", len(bodies))
	}
	if _, ok := bodies[0]["events"]; !ok {
		t.Fatalf("first post missing events envelope: %v", bodies[0])
	}
	if _, ok := bodies[1]["logs"]; !ok {
		t.Fatalf("second post missing logs envelope: %v", bodies[1])
	}

	var events []models.DomainEvent
	if err := json.Unmarshal(bodies[0]["events"], &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 || events[0].Market != "BTC-PERP" {
		t.Fatalf("unexpected events payload: %+v", events)
	}
}

func TestWebhookFeedRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	wf, err := NewWebhookFeed(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookFeed: %v", err)
	}
	defer wf.Close()

	err = wf.SaveEvents(context.Background(), []models.DomainEvent{sampleEvent()})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("unexpected error: %v", err)
	}
}
