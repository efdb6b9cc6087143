package liquidator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perpkeeper/models"
)

// errStaleOracle marks an evaluation aborted because a needed price is too
// old to act on. Liquidating against a stale price risks seizing a healthy
// account.
var errStaleOracle = fmt.Errorf("stale oracle")

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// healthReport is one account's risk summary plus the enforcement targets
// derived while computing it.
type healthReport struct {
	Equity      decimal.Decimal
	Maintenance decimal.Decimal

	// CancelMarkets lists market indexes with resting orders, which must
	// clear before position liquidation.
	CancelMarkets []int
	// PerpMarket is the market index of the largest open position, -1 when
	// the account has no perp exposure.
	PerpMarket int
	// SpotAsset and SpotQuote are the collateral indexes for a spot
	// liquidation: the account's largest holding against its deepest debt.
	// -1 when that side does not exist.
	SpotAsset int
	SpotQuote int
}

// Liquidatable reports whether equity sits below the maintenance requirement
// scaled by threshold. With no perp exposure the account is still
// liquidatable when its balance sheet has gone negative.
func (r *healthReport) Liquidatable(threshold decimal.Decimal) bool {
	if r.Maintenance.IsPositive() {
		return r.Equity.LessThan(r.Maintenance.Mul(threshold))
	}
	return r.Equity.IsNegative() && (r.SpotQuote >= 0 || r.SpotAsset >= 0)
}

// Health is equity over maintenance, for logging. Accounts with no
// maintenance requirement report 1 when solvent, 0 when not.
func (r *healthReport) Health() decimal.Decimal {
	if r.Maintenance.IsPositive() {
		return r.Equity.Div(r.Maintenance)
	}
	if r.Equity.IsNegative() {
		return decimal.Zero
	}
	return one
}

// evaluateAccount prices one margin/control pair against current oracles.
// nowUnix and staleAfter gate oracle freshness; any needed oracle older than
// staleAfter makes the whole evaluation fail with errStaleOracle.
func evaluateAccount(margin *models.Margin, control *models.Control, state *models.State, cacheAcc *models.Cache, nowUnix, staleAfter int64) (*healthReport, error) {
	report := &healthReport{PerpMarket: -1, SpotAsset: -1, SpotQuote: -1}

	freshOracle := func(index int, what string) (models.Oracle, error) {
		oracle, ok := cacheAcc.Oracle(index)
		if ok && oracle.Symbol == "" {
			ok = false
		}
		if !ok {
			return models.Oracle{}, fmt.Errorf("no oracle at index %d for %s", index, what)
		}
		if nowUnix-oracle.LastTs > staleAfter {
			return models.Oracle{}, fmt.Errorf("%w: %s is %ds old", errStaleOracle, oracle.Symbol, nowUnix-oracle.LastTs)
		}
		return oracle, nil
	}

	var bestAsset, worstQuote decimal.Decimal
	for i, col := range state.Collaterals {
		balance := margin.Collateral[i]
		if balance == 0 {
			continue
		}
		oracle, err := freshOracle(col.OracleIndex, col.Symbol)
		if err != nil {
			return nil, err
		}

		var multiplier decimal.Decimal
		if balance >= 0 {
			multiplier = models.MultiplierFromFixed(cacheAcc.Borrows[i].SupplyMultiplier)
		} else {
			multiplier = models.MultiplierFromFixed(cacheAcc.Borrows[i].BorrowMultiplier)
		}
		value := models.NativeToDecimal(balance, col.Decimals).
			Mul(multiplier).
			Mul(models.PriceFromFixed(oracle.Price))

		if balance > 0 {
			// deposits count haircut, debts count in full
			weighted := value.Mul(decimal.New(int64(col.Weight), -2))
			report.Equity = report.Equity.Add(weighted)
			if report.SpotAsset < 0 || value.GreaterThan(bestAsset) {
				report.SpotAsset = i
				bestAsset = value
			}
		} else {
			report.Equity = report.Equity.Add(value)
			if report.SpotQuote < 0 || value.LessThan(worstQuote) {
				report.SpotQuote = i
				worstQuote = value
			}
		}
	}

	var largestNotional decimal.Decimal
	for i, market := range state.Markets {
		oo := control.OpenOrders[i]
		if oo.PosSize == 0 && oo.QuoteBalance == 0 && oo.CoinOnBids == 0 && oo.CoinOnAsks == 0 {
			continue
		}
		oracle, err := freshOracle(market.OracleIndex, market.Symbol)
		if err != nil {
			return nil, err
		}
		price := models.PriceFromFixed(oracle.Price)

		if oo.CoinOnBids > 0 || oo.CoinOnAsks > 0 {
			report.CancelMarkets = append(report.CancelMarkets, i)
		}
		if oo.PosSize == 0 && oo.QuoteBalance == 0 {
			continue
		}

		size := models.NativeToDecimal(oo.PosSize, market.AssetDecimals)
		unsettled := size.Mul(price).Add(models.UsdFromNative(oo.QuoteBalance))
		report.Equity = report.Equity.Add(unsettled)

		if oo.PosSize != 0 {
			notional := size.Abs().Mul(price)
			fraction := decimal.New(int64(market.BaseImf), 0).
				Div(decimal.NewFromInt(models.ImfScale)).
				Div(two)
			report.Maintenance = report.Maintenance.Add(notional.Mul(fraction))
			if report.PerpMarket < 0 || notional.GreaterThan(largestNotional) {
				report.PerpMarket = i
				largestNotional = notional
			}
		}
	}

	return report, nil
}
