package models

import (
	"encoding/binary"
)

// Encoders for the program's account layouts. The chain writes these accounts
// in production; the encoders exist for localnet seeding and for building
// byte fixtures in tests, and they are the inverse of the Decode functions.

func putSymbol(dst []byte, symbol string) {
	n := copy(dst[:symbolLen], symbol)
	for i := n; i < symbolLen; i++ {
		dst[i] = 0
	}
}

// EncodeState renders a State account image.
func EncodeState(s *State) []byte {
	data := make([]byte, StateSize)
	copy(data[:8], stateDiscriminator[:])
	copy(data[8:40], s.Authority[:])
	copy(data[40:72], s.Cache[:])
	binary.LittleEndian.PutUint16(data[72:74], uint16(len(s.Markets)))
	binary.LittleEndian.PutUint16(data[74:76], uint16(len(s.Collaterals)))
	for i, m := range s.Markets {
		rec := data[80+i*perpMarketRecordSize:]
		putSymbol(rec, m.Symbol)
		copy(rec[16:48], m.EventQueue[:])
		binary.LittleEndian.PutUint16(rec[48:50], uint16(m.OracleIndex))
		rec[50] = byte(m.Kind)
		rec[51] = byte(m.AssetDecimals)
		binary.LittleEndian.PutUint32(rec[52:56], m.BaseImf)
		binary.LittleEndian.PutUint64(rec[56:64], uint64(m.FundingIndex))
		binary.LittleEndian.PutUint64(rec[64:72], uint64(m.LastFundingTs))
	}
	base := 80 + MaxMarkets*perpMarketRecordSize
	for i, c := range s.Collaterals {
		rec := data[base+i*collateralRecordSize:]
		putSymbol(rec, c.Symbol)
		copy(rec[16:48], c.Mint[:])
		binary.LittleEndian.PutUint16(rec[48:50], uint16(c.OracleIndex))
		rec[50] = byte(c.Decimals)
		rec[51] = byte(c.Weight)
	}
	return data
}

// EncodeCache renders a Cache account image. Missing borrow slots are left
// zeroed.
func EncodeCache(c *Cache) []byte {
	data := make([]byte, CacheSize)
	copy(data[:8], cacheDiscriminator[:])
	binary.LittleEndian.PutUint16(data[8:10], uint16(len(c.Oracles)))
	for i, o := range c.Oracles {
		rec := data[16+i*oracleRecordSize:]
		putSymbol(rec, o.Symbol)
		binary.LittleEndian.PutUint64(rec[16:24], uint64(o.Price))
		binary.LittleEndian.PutUint64(rec[24:32], uint64(o.Twap))
		binary.LittleEndian.PutUint64(rec[32:40], o.Conf)
		binary.LittleEndian.PutUint64(rec[40:48], o.LastSlot)
		binary.LittleEndian.PutUint64(rec[48:56], uint64(o.LastTs))
	}
	base := 16 + MaxOracles*oracleRecordSize
	for i, b := range c.Borrows {
		if i >= MaxCollaterals {
			break
		}
		rec := data[base+i*borrowRecordSize:]
		binary.LittleEndian.PutUint64(rec[0:8], b.Supply)
		binary.LittleEndian.PutUint64(rec[8:16], b.Borrows)
		binary.LittleEndian.PutUint64(rec[16:24], b.SupplyMultiplier)
		binary.LittleEndian.PutUint64(rec[24:32], b.BorrowMultiplier)
		binary.LittleEndian.PutUint64(rec[32:40], uint64(b.LastUpdated))
	}
	return data
}

// EncodeMargin renders a Margin account image.
func EncodeMargin(m *Margin) []byte {
	data := make([]byte, MarginSize)
	copy(data[:8], marginDiscriminator[:])
	copy(data[8:40], m.Authority[:])
	copy(data[40:72], m.Control[:])
	for i, bal := range m.Collateral {
		binary.LittleEndian.PutUint64(data[72+i*8:80+i*8], uint64(bal))
	}
	return data
}

// EncodeControl renders a Control account image.
func EncodeControl(c *Control) []byte {
	data := make([]byte, ControlSize)
	copy(data[:8], controlDiscriminator[:])
	copy(data[8:40], c.Authority[:])
	data[40] = c.Flags
	for i, oo := range c.OpenOrders {
		rec := data[48+i*openOrdersRecordSize:]
		binary.LittleEndian.PutUint64(rec[0:8], uint64(oo.PosSize))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(oo.QuoteBalance))
		binary.LittleEndian.PutUint64(rec[16:24], uint64(oo.RealizedPnl))
		binary.LittleEndian.PutUint64(rec[24:32], uint64(oo.FundingIndex))
		binary.LittleEndian.PutUint64(rec[32:40], oo.CoinOnBids)
		binary.LittleEndian.PutUint64(rec[40:48], oo.CoinOnAsks)
	}
	return data
}

// EncodeEventQueue renders an event queue account image with the given ring
// capacity. The supplied events become the pending window ending at seqNum,
// laid out starting at head.
func EncodeEventQueue(head, seqNum, capacity uint64, events []QueueEvent) []byte {
	data := make([]byte, queueHeaderSize+int(capacity)*queueEventRecordSize)
	copy(data[:8], eventQueueDiscriminator[:])
	binary.LittleEndian.PutUint64(data[8:16], head)
	binary.LittleEndian.PutUint64(data[16:24], uint64(len(events)))
	binary.LittleEndian.PutUint64(data[24:32], seqNum)
	for i, ev := range events {
		slot := (head + uint64(i)) % capacity
		rec := data[queueHeaderSize+slot*queueEventRecordSize:]
		rec[0] = ev.Kind
		rec[1] = ev.Side
		if ev.Maker {
			rec[2] |= queueEventFlagMaker
		}
		binary.LittleEndian.PutUint64(rec[8:16], uint64(ev.BaseSize))
		binary.LittleEndian.PutUint64(rec[16:24], uint64(ev.QuoteSize))
		binary.LittleEndian.PutUint64(rec[24:32], uint64(ev.Price))
		copy(rec[32:64], ev.Control[:])
		copy(rec[64:96], ev.Counterparty[:])
	}
	return data
}
