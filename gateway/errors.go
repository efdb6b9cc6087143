package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TransportError covers network faults and RPC server errors: the request
// never produced a usable answer. Retryable at the caller's discretion.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error in %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC server error envelope.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %d: %s", e.Code, e.Message)
}

// SimulationError means the program rejected the transaction, either in
// preflight or once executed on chain. Not retryable as-is: the inputs or
// on-chain state have to change first.
type SimulationError struct {
	Signature        string
	Reason           string
	Logs             []string
	InstructionIndex int
	Custom           int
}

func (e *SimulationError) Error() string {
	if e.Custom >= 0 {
		return fmt.Sprintf("simulation failed: %s (custom=%d)", e.Reason, e.Custom)
	}
	return fmt.Sprintf("simulation failed: %s", e.Reason)
}

// CustomCode returns the program's custom error code when one was reported.
func (e *SimulationError) CustomCode() (int, bool) {
	if e.Custom < 0 {
		return 0, false
	}
	return e.Custom, true
}

// ConfirmationTimeoutError means a sent transaction reached no terminal
// status inside the confirmation window. The transaction may still land.
type ConfirmationTimeoutError struct {
	Signature string
	Waited    time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("confirmation timeout for %s after %s", e.Signature, e.Waited)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsSimulation extracts a SimulationError from err.
func AsSimulation(err error) (*SimulationError, bool) {
	var se *SimulationError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsConfirmationTimeout reports whether err is (or wraps) a
// ConfirmationTimeoutError.
func IsConfirmationTimeout(err error) bool {
	var ce *ConfirmationTimeoutError
	return errors.As(err, &ce)
}

// preflightData is the data payload the RPC node attaches to a failed
// preflight (-32002) response.
type preflightData struct {
	Err  json.RawMessage `json:"err"`
	Logs []string        `json:"logs"`
}

// parseInstructionError digs the instruction index and custom code out of a
// transaction error value shaped like {"InstructionError":[0,{"Custom":6012}]}.
func parseInstructionError(raw json.RawMessage) (index, custom int) {
	index, custom = -1, -1
	if len(raw) == 0 {
		return
	}
	var wrapper struct {
		InstructionError []json.RawMessage `json:"InstructionError"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || len(wrapper.InstructionError) != 2 {
		return
	}
	var idx int
	if err := json.Unmarshal(wrapper.InstructionError[0], &idx); err == nil {
		index = idx
	}
	var detail struct {
		Custom *int `json:"Custom"`
	}
	if err := json.Unmarshal(wrapper.InstructionError[1], &detail); err == nil && detail.Custom != nil {
		custom = *detail.Custom
	}
	return
}

// simulationErrorFromRPC converts a failed-preflight RPC error into a
// SimulationError. Returns nil when the RPC error is not a preflight
// rejection.
func simulationErrorFromRPC(rpcErr *RPCError) *SimulationError {
	if rpcErr.Code != rpcPreflightFailure {
		return nil
	}
	se := &SimulationError{Reason: rpcErr.Message, InstructionIndex: -1, Custom: -1}
	var data preflightData
	if err := json.Unmarshal(rpcErr.Data, &data); err == nil {
		se.Logs = data.Logs
		se.InstructionIndex, se.Custom = parseInstructionError(data.Err)
	}
	return se
}

// rpcPreflightFailure is the JSON-RPC code nodes use for transactions
// rejected during preflight simulation.
const rpcPreflightFailure = -32002
