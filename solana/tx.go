package solana

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// Hash is a 32 byte blockhash.
type Hash [32]byte

// HashFromBase58 parses a base58 encoded blockhash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("invalid base58 hash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string {
	return base58.Encode(h[:])
}

// AccountMeta describes how an instruction touches one account.
type AccountMeta struct {
	PubKey     PublicKey
	IsSigner   bool
	IsWritable bool
}

// NewAccountMeta builds an AccountMeta.
func NewAccountMeta(pk PublicKey, writable, signer bool) AccountMeta {
	return AccountMeta{PubKey: pk, IsWritable: writable, IsSigner: signer}
}

// Instruction is a single program invocation: target program, ordered account
// list and opaque data payload.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// compiledKeys is the deduplicated, privilege-ordered account table of a
// message: writable signers first (fee payer at index 0), then readonly
// signers, writable non-signers and readonly non-signers.
type compiledKeys struct {
	keys              []PublicKey
	index             map[PublicKey]int
	numSigners        int
	numReadonlySigned int
	numReadonlyUnsign int
}

func compileKeys(payer PublicKey, instrs []Instruction) (*compiledKeys, error) {
	type privilege struct {
		signer   bool
		writable bool
	}
	merged := make(map[PublicKey]*privilege)
	order := make([]PublicKey, 0, 16)

	note := func(pk PublicKey, signer, writable bool) {
		p, ok := merged[pk]
		if !ok {
			p = &privilege{}
			merged[pk] = p
			order = append(order, pk)
		}
		p.signer = p.signer || signer
		p.writable = p.writable || writable
	}

	note(payer, true, true)
	for _, ix := range instrs {
		for _, m := range ix.Accounts {
			note(m.PubKey, m.IsSigner, m.IsWritable)
		}
		note(ix.ProgramID, false, false)
	}

	classed := make([][]PublicKey, 4)
	for _, pk := range order {
		if pk == payer {
			continue
		}
		p := merged[pk]
		switch {
		case p.signer && p.writable:
			classed[0] = append(classed[0], pk)
		case p.signer:
			classed[1] = append(classed[1], pk)
		case p.writable:
			classed[2] = append(classed[2], pk)
		default:
			classed[3] = append(classed[3], pk)
		}
	}

	ck := &compiledKeys{index: make(map[PublicKey]int, len(order))}
	ck.keys = append(ck.keys, payer)
	ck.keys = append(ck.keys, classed[0]...)
	ck.keys = append(ck.keys, classed[1]...)
	ck.keys = append(ck.keys, classed[2]...)
	ck.keys = append(ck.keys, classed[3]...)
	ck.numSigners = 1 + len(classed[0]) + len(classed[1])
	ck.numReadonlySigned = len(classed[1])
	ck.numReadonlyUnsign = len(classed[3])

	if len(ck.keys) > 255 {
		return nil, fmt.Errorf("too many distinct accounts in transaction: %d", len(ck.keys))
	}
	for i, pk := range ck.keys {
		ck.index[pk] = i
	}
	return ck, nil
}

// CompileMessage serializes a legacy transaction message and returns the wire
// bytes plus the ordered list of keys that must sign it.
func CompileMessage(payer PublicKey, blockhash Hash, instrs []Instruction) ([]byte, []PublicKey, error) {
	if len(instrs) == 0 {
		return nil, nil, fmt.Errorf("no instructions to compile")
	}
	ck, err := compileKeys(payer, instrs)
	if err != nil {
		return nil, nil, err
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, byte(ck.numSigners), byte(ck.numReadonlySigned), byte(ck.numReadonlyUnsign))
	buf = appendShortvecLen(buf, len(ck.keys))
	for _, pk := range ck.keys {
		buf = append(buf, pk[:]...)
	}
	buf = append(buf, blockhash[:]...)
	buf = appendShortvecLen(buf, len(instrs))
	for _, ix := range instrs {
		buf = append(buf, byte(ck.index[ix.ProgramID]))
		buf = appendShortvecLen(buf, len(ix.Accounts))
		for _, m := range ix.Accounts {
			buf = append(buf, byte(ck.index[m.PubKey]))
		}
		buf = appendShortvecLen(buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}

	return buf, ck.keys[:ck.numSigners], nil
}

// NewTransaction compiles, signs and serializes a transaction. The first
// signer pays the fee. It returns the wire bytes and the base58 transaction
// signature.
func NewTransaction(instrs []Instruction, blockhash Hash, signers ...PrivateKey) ([]byte, string, error) {
	if len(signers) == 0 {
		return nil, "", fmt.Errorf("no signers provided")
	}
	payer := signers[0].PublicKey()
	msg, required, err := CompileMessage(payer, blockhash, instrs)
	if err != nil {
		return nil, "", err
	}

	byKey := make(map[PublicKey]PrivateKey, len(signers))
	for _, s := range signers {
		byKey[s.PublicKey()] = s
	}

	sigs := make([][]byte, 0, len(required))
	for _, pk := range required {
		key, ok := byKey[pk]
		if !ok {
			return nil, "", fmt.Errorf("missing signer for account %s", pk)
		}
		sigs = append(sigs, key.Sign(msg))
	}

	wire := make([]byte, 0, len(msg)+1+64*len(sigs))
	wire = appendShortvecLen(wire, len(sigs))
	for _, sig := range sigs {
		wire = append(wire, sig...)
	}
	wire = append(wire, msg...)

	return wire, base58.Encode(sigs[0]), nil
}
