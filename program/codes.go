package program

// Custom error codes the program returns through simulation failures.
// Values are part of the deployed program's ABI.
const (
	// CodeAccountHealthy rejects a liquidation whose target is above water.
	CodeAccountHealthy = 6021
	// CodeAlreadyLiquidated rejects enforcement against a control another
	// liquidator already claimed this round.
	CodeAlreadyLiquidated = 6022
	// CodeNothingToCancel rejects a force-cancel with no resting orders.
	CodeNothingToCancel = 6023
	// CodeNotBankrupt rejects bankruptcy settlement on a solvent account.
	CodeNotBankrupt = 6024
	// CodeOracleStale rejects an operation whose price inputs are too old.
	CodeOracleStale = 6025
)

// BenignRejection reports whether a custom error code is an expected
// outcome of racing other keepers rather than a fault: some other party won
// the round, or the condition cleared before the transaction landed.
func BenignRejection(code int) bool {
	switch code {
	case CodeAccountHealthy, CodeAlreadyLiquidated, CodeNothingToCancel, CodeNotBankrupt:
		return true
	}
	return false
}
