package models

import (
	"testing"

	"perpkeeper/solana"
)

func testKey(b byte) solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func TestStateRoundTrip(t *testing.T) {
	in := &State{
		Authority: testKey(1),
		Cache:     testKey(2),
		Markets: []PerpMarket{
			{
				Symbol:        "BTC-PERP",
				EventQueue:    testKey(3),
				OracleIndex:   0,
				Kind:          MarketFuture,
				AssetDecimals: 6,
				BaseImf:       100_000,
				FundingIndex:  1_250_000_000,
				LastFundingTs: 1_700_000_000,
			},
			{
				Symbol:        "SOL-SQ",
				EventQueue:    testKey(4),
				OracleIndex:   1,
				Kind:          MarketSquaredFuture,
				AssetDecimals: 9,
				BaseImf:       200_000,
				FundingIndex:  -40_000,
				LastFundingTs: 1_700_000_100,
			},
		},
		Collaterals: []Collateral{
			{Symbol: "USDC", Mint: testKey(5), OracleIndex: 2, Decimals: 6, Weight: 100},
		},
	}

	out, err := DecodeState(EncodeState(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Markets) != 2 || len(out.Collaterals) != 1 {
		t.Fatalf("counts mismatch: %d markets, %d collaterals", len(out.Markets), len(out.Collaterals))
	}
	if out.Authority != in.Authority || out.Cache != in.Cache {
		t.Fatalf("keys mismatch: %+v", out)
	}
	for i := range in.Markets {
		if out.Markets[i] != in.Markets[i] {
			t.Fatalf("market %d mismatch: %+v != %+v", i, out.Markets[i], in.Markets[i])
		}
	}
	if out.Collaterals[0] != in.Collaterals[0] {
		t.Fatalf("collateral mismatch: %+v != %+v", out.Collaterals[0], in.Collaterals[0])
	}
}

func TestDecodeStateRejectsCorruptData(t *testing.T) {
	if _, err := DecodeState(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short data")
	}

	data := EncodeState(&State{})
	data[0] ^= 0xff
	if _, err := DecodeState(data); err == nil {
		t.Fatal("expected error for discriminator mismatch")
	}

	data = EncodeState(&State{})
	data[72] = 0xff // market count beyond capacity
	if _, err := DecodeState(data); err == nil {
		t.Fatal("expected error for out-of-range market count")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	in := &Cache{
		Oracles: []Oracle{
			{Symbol: "BTC", Price: 43_000_000_000_000, Twap: 42_900_000_000_000, Conf: 12, LastSlot: 900, LastTs: 1_700_000_000},
			{Symbol: "SOL", Price: 150_000_000_000, Twap: 149_000_000_000, Conf: 3, LastSlot: 901, LastTs: 1_700_000_001},
		},
		Borrows: []Borrow{
			{Supply: 1_000_000, Borrows: 400_000, SupplyMultiplier: 1_010_000_000, BorrowMultiplier: 1_050_000_000, LastUpdated: 1_700_000_000},
		},
	}

	out, err := DecodeCache(EncodeCache(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Oracles) != 2 {
		t.Fatalf("oracle count mismatch: %d", len(out.Oracles))
	}
	for i := range in.Oracles {
		if out.Oracles[i] != in.Oracles[i] {
			t.Fatalf("oracle %d mismatch: %+v != %+v", i, out.Oracles[i], in.Oracles[i])
		}
	}
	if out.Borrows[0] != in.Borrows[0] {
		t.Fatalf("borrow mismatch: %+v != %+v", out.Borrows[0], in.Borrows[0])
	}

	if _, ok := out.Oracle(1); !ok {
		t.Fatal("oracle lookup by index failed")
	}
	if _, ok := out.Oracle(99); ok {
		t.Fatal("expected miss for out-of-range oracle index")
	}
}

func TestMarginRoundTrip(t *testing.T) {
	in := &Margin{Authority: testKey(7), Control: testKey(8)}
	in.Collateral[0] = 5_000_000
	in.Collateral[3] = -2_500_000 // borrow

	out, err := DecodeMargin(EncodeMargin(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != *in {
		t.Fatalf("margin mismatch: %+v != %+v", out, in)
	}
}

func TestControlRoundTrip(t *testing.T) {
	in := &Control{Authority: testKey(9), Flags: ControlFlagLiquidated}
	in.OpenOrders[2] = OpenOrders{
		PosSize:      -1_500_000,
		QuoteBalance: 64_000_000,
		RealizedPnl:  -3_000_000,
		FundingIndex: 1_250_000_000,
		CoinOnBids:   10,
		CoinOnAsks:   20,
	}

	out, err := DecodeControl(EncodeControl(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != *in {
		t.Fatalf("control mismatch: %+v != %+v", out, in)
	}
	if !out.Liquidated() || out.Bankrupt() {
		t.Fatalf("flag accessors wrong: flags=%#x", out.Flags)
	}
}

func TestEventQueueWrapAround(t *testing.T) {
	events := []QueueEvent{
		{Kind: QueueEventFill, Side: 0, Maker: true, BaseSize: 100, QuoteSize: 4300, Price: 43_000_000_000, Control: testKey(1), Counterparty: testKey(2)},
		{Kind: QueueEventFill, Side: 1, BaseSize: 50, QuoteSize: 2150, Price: 43_000_000_000, Control: testKey(3), Counterparty: testKey(4)},
		{Kind: QueueEventOut, Side: 0, BaseSize: 25, Control: testKey(5)},
	}
	// head near the end of a capacity-4 ring so the window wraps
	data := EncodeEventQueue(3, 10, 4, events)

	q, err := DecodeEventQueue(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.FirstPendingSeq() != 7 {
		t.Fatalf("first pending seq = %d, want 7", q.FirstPendingSeq())
	}

	pending := q.PendingAfter(0)
	if len(pending) != 3 {
		t.Fatalf("pending count = %d, want 3", len(pending))
	}
	for i, ev := range pending {
		if ev.Seq != 7+uint64(i) {
			t.Fatalf("entry %d seq = %d, want %d", i, ev.Seq, 7+i)
		}
		want := events[i]
		want.Seq = ev.Seq
		if ev != want {
			t.Fatalf("entry %d mismatch: %+v != %+v", i, ev, want)
		}
	}

	tail := q.PendingAfter(9)
	if len(tail) != 1 || tail[0].Seq != 9 {
		t.Fatalf("PendingAfter(9) = %+v, want single seq 9", tail)
	}
	if got := q.PendingAfter(10); got != nil {
		t.Fatalf("PendingAfter(10) = %+v, want nil", got)
	}
}

func TestDecodeEventQueueRejectsBadHeader(t *testing.T) {
	data := EncodeEventQueue(0, 2, 4, []QueueEvent{{}, {}})

	bad := make([]byte, len(data))
	copy(bad, data)
	bad[16] = 9 // count beyond capacity
	if _, err := DecodeEventQueue(bad); err == nil {
		t.Fatal("expected error for count beyond capacity")
	}

	copy(bad, data)
	bad[8] = 7 // head out of range
	if _, err := DecodeEventQueue(bad); err == nil {
		t.Fatal("expected error for head out of range")
	}

	copy(bad, data)
	bad[24] = 1 // seq below count
	if _, err := DecodeEventQueue(bad); err == nil {
		t.Fatal("expected error for count beyond seq")
	}
}

func TestScaleHelpers(t *testing.T) {
	if got := PriceFromFixed(1_500_000_000).String(); got != "1.5" {
		t.Fatalf("price = %s, want 1.5", got)
	}
	if got := UsdFromNative(2_500_000).String(); got != "2.5" {
		t.Fatalf("usd = %s, want 2.5", got)
	}
	if got := NativeToDecimal(123_000_000_000, 9).String(); got != "123" {
		t.Fatalf("native = %s, want 123", got)
	}
	if got := FundingFromFixed(-250_000_000).String(); got != "-0.25" {
		t.Fatalf("funding = %s, want -0.25", got)
	}
	if got := MultiplierFromFixed(1_010_000_000).String(); got != "1.01" {
		t.Fatalf("multiplier = %s, want 1.01", got)
	}
}
