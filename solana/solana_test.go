package solana

import (
	"bytes"
	"crypto/ed25519"
	"strconv"
	"testing"
)

func TestShortvecRoundTrip(t *testing.T) {
	cases := []int{0, 1, 127, 128, 255, 256, 16383, 16384, 65535}
	for _, n := range cases {
		buf := appendShortvecLen(nil, n)
		got, used, err := decodeShortvecLen(buf)
		if err != nil {
			t.Fatalf("decode %d: %v", n, err)
		}
		if got != n || used != len(buf) {
			t.Fatalf("round trip %d: got %d (used %d of %d)", n, got, used, len(buf))
		}
	}
}

func TestPublicKeyBase58(t *testing.T) {
	var raw [32]byte
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	pk, err := PublicKeyFromBytes(raw[:])
	if err != nil {
		t.Fatalf("from bytes: %v", err)
	}
	parsed, err := PublicKeyFromBase58(pk.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != pk {
		t.Fatalf("round trip mismatch: %s != %s", parsed, pk)
	}
	if _, err := PublicKeyFromBase58("abc"); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestLoadPrivateKeyJSONArray(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	full := ed25519.NewKeyFromSeed(seed)

	raw := "["
	for i, b := range full {
		if i > 0 {
			raw += ","
		}
		raw += strconv.Itoa(int(b))
	}
	raw += "]"

	key, err := LoadPrivateKey(raw)
	if err != nil {
		t.Fatalf("load json key: %v", err)
	}
	if !bytes.Equal(key, PrivateKey(full)) {
		t.Fatalf("key mismatch")
	}
	if key.PublicKey().IsZero() {
		t.Fatalf("expected non-zero public key")
	}
}

func TestCompileMessageOrdering(t *testing.T) {
	payerKey := PrivateKey(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{1}, 32)))
	payer := payerKey.PublicKey()

	var program, writableAcct, readonlyAcct PublicKey
	program[0] = 0xAA
	writableAcct[0] = 0xBB
	readonlyAcct[0] = 0xCC

	ix := Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			NewAccountMeta(readonlyAcct, false, false),
			NewAccountMeta(writableAcct, true, false),
			NewAccountMeta(payer, true, true),
		},
		Data: []byte{1, 2, 3},
	}

	msg, signers, err := CompileMessage(payer, Hash{}, []Instruction{ix})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(signers) != 1 || signers[0] != payer {
		t.Fatalf("expected single payer signer, got %v", signers)
	}

	// header: 1 required signature, 0 readonly signed, 2 readonly unsigned
	// (readonly account + program id)
	if msg[0] != 1 || msg[1] != 0 || msg[2] != 2 {
		t.Fatalf("unexpected header %v", msg[:3])
	}

	numKeys, used, err := decodeShortvecLen(msg[3:])
	if err != nil {
		t.Fatalf("decode key count: %v", err)
	}
	if numKeys != 4 {
		t.Fatalf("expected 4 account keys, got %d", numKeys)
	}
	keyBytes := msg[3+used:]
	first, _ := PublicKeyFromBytes(keyBytes[:32])
	second, _ := PublicKeyFromBytes(keyBytes[32:64])
	if first != payer {
		t.Fatalf("payer must be first key, got %s", first)
	}
	if second != writableAcct {
		t.Fatalf("writable non-signer must precede readonly keys, got %s", second)
	}
}

func TestNewTransactionSignatureVerifies(t *testing.T) {
	payerKey := PrivateKey(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, 32)))

	var program PublicKey
	program[0] = 0x11
	ix := Instruction{
		ProgramID: program,
		Accounts:  []AccountMeta{NewAccountMeta(payerKey.PublicKey(), true, true)},
		Data:      []byte{42},
	}

	wire, sig, err := NewTransaction([]Instruction{ix}, Hash{}, payerKey)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	if sig == "" {
		t.Fatalf("expected non-empty signature")
	}

	numSigs, used, err := decodeShortvecLen(wire)
	if err != nil || numSigs != 1 {
		t.Fatalf("expected 1 signature, got %d (%v)", numSigs, err)
	}
	sigBytes := wire[used : used+64]
	msg := wire[used+64:]

	pub := ed25519.PrivateKey(payerKey).Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, msg, sigBytes) {
		t.Fatalf("signature does not verify against message")
	}
}

func TestNewTransactionMissingSigner(t *testing.T) {
	payerKey := PrivateKey(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{3}, 32)))
	otherKey := PrivateKey(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{4}, 32)))

	var program PublicKey
	program[0] = 0x22
	ix := Instruction{
		ProgramID: program,
		Accounts:  []AccountMeta{NewAccountMeta(otherKey.PublicKey(), true, true)},
	}

	if _, _, err := NewTransaction([]Instruction{ix}, Hash{}, payerKey); err == nil {
		t.Fatalf("expected missing signer error")
	}
}
