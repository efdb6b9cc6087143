// Package program builds the instructions the keeper submits. Account
// ordering per instruction is part of the program's ABI and must not change.
package program

import (
	"perpkeeper/solana"
)

// Party is a trader's margin/control account pair.
type Party struct {
	Margin  solana.PublicKey
	Control solana.PublicKey
}

// Builder constructs instructions against one deployment of the program.
type Builder struct {
	programID   solana.PublicKey
	state       solana.PublicKey
	stateSigner solana.PublicKey
	cache       solana.PublicKey
	payer       solana.PublicKey
}

// NewBuilder wires a Builder to a deployment. stateSigner is the state's
// derived signing address; payer is the keeper's fee account.
func NewBuilder(programID, state, stateSigner, cache, payer solana.PublicKey) *Builder {
	return &Builder{
		programID:   programID,
		state:       state,
		stateSigner: stateSigner,
		cache:       cache,
		payer:       payer,
	}
}

func (b *Builder) instruction(data []byte, accounts ...solana.AccountMeta) solana.Instruction {
	return solana.Instruction{ProgramID: b.programID, Accounts: accounts, Data: data}
}

// CacheOracle refreshes the price slots named by symbols. The matching
// oracle accounts follow the fixed accounts in the same order as symbols.
func (b *Builder) CacheOracle(symbols []string, oracles []solana.PublicKey) solana.Instruction {
	accounts := []solana.AccountMeta{
		solana.NewAccountMeta(b.payer, true, true),
		solana.NewAccountMeta(b.state, false, false),
		solana.NewAccountMeta(b.cache, true, false),
	}
	for _, oracle := range oracles {
		accounts = append(accounts, solana.NewAccountMeta(oracle, false, false))
	}
	return b.instruction(newInstructionData("cache_oracle").strings(symbols).bytes(), accounts...)
}

// CacheInterestRates accrues borrow multipliers for the collateral index
// range [start, end).
func (b *Builder) CacheInterestRates(start, end int) solana.Instruction {
	data := newInstructionData("cache_interest_rates").u8(uint8(start)).u8(uint8(end)).bytes()
	return b.instruction(data,
		solana.NewAccountMeta(b.payer, true, true),
		solana.NewAccountMeta(b.state, false, false),
		solana.NewAccountMeta(b.cache, true, false),
	)
}

// UpdatePerpFunding advances the funding index of one market.
func (b *Builder) UpdatePerpFunding(marketIndex int, eventQueue solana.PublicKey) solana.Instruction {
	data := newInstructionData("update_perp_funding").u16(uint16(marketIndex)).bytes()
	return b.instruction(data,
		solana.NewAccountMeta(b.payer, true, true),
		solana.NewAccountMeta(b.state, false, false),
		solana.NewAccountMeta(b.stateSigner, false, false),
		solana.NewAccountMeta(b.cache, true, false),
		solana.NewAccountMeta(eventQueue, true, false),
	)
}

// ConsumeEvents pops up to limit entries from a market's event queue and
// applies them to the trailing control accounts.
func (b *Builder) ConsumeEvents(marketIndex, limit int, eventQueue solana.PublicKey, controls []solana.PublicKey) solana.Instruction {
	accounts := []solana.AccountMeta{
		solana.NewAccountMeta(b.payer, true, true),
		solana.NewAccountMeta(b.state, false, false),
		solana.NewAccountMeta(b.stateSigner, false, false),
		solana.NewAccountMeta(eventQueue, true, false),
	}
	for _, control := range controls {
		accounts = append(accounts, solana.NewAccountMeta(control, true, false))
	}
	data := newInstructionData("consume_events").u16(uint16(marketIndex)).u16(uint16(limit)).bytes()
	return b.instruction(data, accounts...)
}

// CrankPnl settles realized PnL for the trailing control accounts against a
// market. Valid only once the matching consume_events has confirmed.
func (b *Builder) CrankPnl(marketIndex int, controls []solana.PublicKey) solana.Instruction {
	accounts := []solana.AccountMeta{
		solana.NewAccountMeta(b.payer, true, true),
		solana.NewAccountMeta(b.state, false, false),
		solana.NewAccountMeta(b.stateSigner, false, false),
		solana.NewAccountMeta(b.cache, false, false),
	}
	for _, control := range controls {
		accounts = append(accounts, solana.NewAccountMeta(control, true, false))
	}
	data := newInstructionData("crank_pnl").u16(uint16(marketIndex)).bytes()
	return b.instruction(data, accounts...)
}

// ForceCancelOrders clears a distressed trader's resting orders on one
// market, a precondition for liquidating the position.
func (b *Builder) ForceCancelOrders(marketIndex int, liqee Party, eventQueue solana.PublicKey) solana.Instruction {
	data := newInstructionData("force_cancel_orders").u16(uint16(marketIndex)).bytes()
	return b.instruction(data,
		solana.NewAccountMeta(b.payer, true, true),
		solana.NewAccountMeta(b.state, false, false),
		solana.NewAccountMeta(b.stateSigner, false, false),
		solana.NewAccountMeta(b.cache, false, false),
		solana.NewAccountMeta(liqee.Margin, true, false),
		solana.NewAccountMeta(liqee.Control, true, false),
		solana.NewAccountMeta(eventQueue, true, false),
	)
}

// LiquidatePerpPosition transfers (part of) the liqee's position on one
// market to the liquidator. maxBaseTransfer caps the close in native base
// units; zero lets the program pick the size.
func (b *Builder) LiquidatePerpPosition(marketIndex int, maxBaseTransfer uint64, liqor, liqee Party, eventQueue solana.PublicKey) solana.Instruction {
	data := newInstructionData("liquidate_perp_position").u16(uint16(marketIndex)).u64(maxBaseTransfer).bytes()
	return b.instruction(data,
		solana.NewAccountMeta(b.payer, true, true),
		solana.NewAccountMeta(b.state, false, false),
		solana.NewAccountMeta(b.stateSigner, false, false),
		solana.NewAccountMeta(b.cache, true, false),
		solana.NewAccountMeta(liqor.Margin, true, false),
		solana.NewAccountMeta(liqor.Control, true, false),
		solana.NewAccountMeta(liqee.Margin, true, false),
		solana.NewAccountMeta(liqee.Control, true, false),
		solana.NewAccountMeta(eventQueue, true, false),
	)
}

// LiquidateSpotPosition swaps the liqee's borrowed collateral at asset/quote
// indexes against the liquidator's balance. maxAssetTransfer caps the seized
// amount in native units of the asset collateral; zero lets the program pick.
func (b *Builder) LiquidateSpotPosition(assetIndex, quoteIndex int, maxAssetTransfer uint64, liqor, liqee Party) solana.Instruction {
	data := newInstructionData("liquidate_spot_position").u16(uint16(assetIndex)).u16(uint16(quoteIndex)).u64(maxAssetTransfer).bytes()
	return b.instruction(data,
		solana.NewAccountMeta(b.payer, true, true),
		solana.NewAccountMeta(b.state, false, false),
		solana.NewAccountMeta(b.stateSigner, false, false),
		solana.NewAccountMeta(b.cache, true, false),
		solana.NewAccountMeta(liqor.Margin, true, false),
		solana.NewAccountMeta(liqor.Control, true, false),
		solana.NewAccountMeta(liqee.Margin, true, false),
		solana.NewAccountMeta(liqee.Control, true, false),
	)
}

// SettleBankruptcy socializes a bankrupt account's remaining debt in the
// collateral at assetIndex.
func (b *Builder) SettleBankruptcy(assetIndex int, liqor, liqee Party) solana.Instruction {
	data := newInstructionData("settle_bankruptcy").u16(uint16(assetIndex)).bytes()
	return b.instruction(data,
		solana.NewAccountMeta(b.payer, true, true),
		solana.NewAccountMeta(b.state, false, false),
		solana.NewAccountMeta(b.stateSigner, false, false),
		solana.NewAccountMeta(b.cache, true, false),
		solana.NewAccountMeta(liqor.Margin, true, false),
		solana.NewAccountMeta(liqor.Control, true, false),
		solana.NewAccountMeta(liqee.Margin, true, false),
		solana.NewAccountMeta(liqee.Control, true, false),
	)
}
