package program

import (
	"crypto/sha256"
	"encoding/binary"
)

// instructionData assembles an instruction payload: the method's 8 byte
// discriminator followed by little-endian borsh-encoded arguments.
type instructionData struct {
	buf []byte
}

// InstructionID returns the 8 byte discriminator for the given snake_case
// method name, as the program derives it.
func InstructionID(method string) [8]byte {
	h := sha256.Sum256([]byte("global:" + method))
	var id [8]byte
	copy(id[:], h[:8])
	return id
}

// newInstructionData seeds the payload with the discriminator for the given
// snake_case method name.
func newInstructionData(method string) *instructionData {
	id := InstructionID(method)
	return &instructionData{buf: append([]byte(nil), id[:]...)}
}

func (d *instructionData) u8(v uint8) *instructionData {
	d.buf = append(d.buf, v)
	return d
}

func (d *instructionData) u16(v uint16) *instructionData {
	d.buf = binary.LittleEndian.AppendUint16(d.buf, v)
	return d
}

func (d *instructionData) u64(v uint64) *instructionData {
	d.buf = binary.LittleEndian.AppendUint64(d.buf, v)
	return d
}

func (d *instructionData) i64(v int64) *instructionData {
	return d.u64(uint64(v))
}

func (d *instructionData) str(s string) *instructionData {
	d.buf = binary.LittleEndian.AppendUint32(d.buf, uint32(len(s)))
	d.buf = append(d.buf, s...)
	return d
}

func (d *instructionData) strings(ss []string) *instructionData {
	d.buf = binary.LittleEndian.AppendUint32(d.buf, uint32(len(ss)))
	for _, s := range ss {
		d.str(s)
	}
	return d
}

func (d *instructionData) bytes() []byte { return d.buf }
