package gateway

import (
	"context"
	"encoding/binary"
	"time"

	"perpkeeper/internal/metrics"
	"perpkeeper/logger"
	"perpkeeper/solana"
)

var computeBudgetProgram = solana.MustPublicKey("ComputeBudget111111111111111111111111111111")

// priorityFeeInstruction builds a SetComputeUnitPrice instruction.
func priorityFeeInstruction(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return solana.Instruction{ProgramID: computeBudgetProgram, Data: data}
}

// Submit assembles, signs and sends one transaction for the given
// instructions, then waits for a terminal outcome. The signature is returned
// even when the outcome is an error, so callers can correlate logs.
//
// Outcomes map to the error taxonomy: nil means confirmed, SimulationError
// means the program rejected it (preflight or on chain), TransportError means
// the attempt never got a usable answer, ConfirmationTimeoutError means the
// fate is unknown inside the confirmation window.
func (c *Client) Submit(ctx context.Context, payer solana.PrivateKey, instructions []solana.Instruction) (string, error) {
	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return "", &TransportError{Op: "submit", Err: ctx.Err()}
	}
	defer func() { <-c.inflight }()

	blockhash, _, err := c.GetLatestBlockhash(ctx)
	if err != nil {
		return "", err
	}

	if c.config.PriorityFeeMicroLamports > 0 {
		instructions = append([]solana.Instruction{priorityFeeInstruction(c.config.PriorityFeeMicroLamports)}, instructions...)
	}

	wire, signature, err := solana.NewTransaction(instructions, blockhash, payer)
	if err != nil {
		return "", &TransportError{Op: "submit", Err: err}
	}

	if _, err := c.SendTransaction(ctx, wire); err != nil {
		if se, ok := AsSimulation(err); ok {
			se.Signature = signature
		}
		logger.IncrementSubmitFailed()
		metrics.IncrementSubmit("failed")
		return signature, err
	}

	c.log.WithComponent("gateway").WithFields(logger.Fields{
		"signature":    signature,
		"instructions": len(instructions),
	}).Debug("transaction sent")

	err = c.awaitConfirmation(ctx, signature)
	if err == nil {
		logger.IncrementSubmitConfirmed()
		metrics.IncrementSubmit("confirmed")
	} else {
		logger.IncrementSubmitFailed()
		metrics.IncrementSubmit("failed")
	}
	return signature, err
}

// awaitConfirmation polls signature status until the transaction confirms,
// fails, or the confirmation window closes. A sent transaction must reach a
// terminal outcome even during shutdown, so polling survives cancellation of
// the caller's context and is bounded by the confirmation window instead.
func (c *Client) awaitConfirmation(ctx context.Context, signature string) error {
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			return &ConfirmationTimeoutError{Signature: signature, Waited: c.config.ConfirmTimeout}
		case <-ticker.C:
		}

		statuses, err := c.GetSignatureStatuses(pollCtx, []string{signature})
		if err != nil {
			continue
		}
		status := statuses[0]
		if status == nil {
			continue
		}
		if len(status.Err) > 0 && string(status.Err) != "null" {
			index, custom := parseInstructionError(status.Err)
			return &SimulationError{
				Signature:        signature,
				Reason:           "transaction failed on chain",
				InstructionIndex: index,
				Custom:           custom,
			}
		}
		switch status.ConfirmationStatus {
		case "confirmed", "finalized":
			return nil
		}
	}
}
