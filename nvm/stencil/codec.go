package stencil

import (
	"encoding/binary"
	"errors"
)

var errBadCodeBlob = errors.New("malformed compiled-code blob")

// MarshalBinary serializes compiled code for the code cache.
func (c *Compiled) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 16+8*len(c.JumpTable)+len(c.Code))
	out = binary.LittleEndian.AppendUint64(out, c.EntryOff)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(c.JumpTable)))
	for _, off := range c.JumpTable {
		out = binary.LittleEndian.AppendUint64(out, off)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(c.Code)))
	out = append(out, c.Code...)
	return out, nil
}

// UnmarshalBinary restores compiled code from a cache blob.
func (c *Compiled) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return errBadCodeBlob
	}
	c.EntryOff = binary.LittleEndian.Uint64(data)
	jtLen := int(binary.LittleEndian.Uint32(data[8:]))
	off := 12
	if len(data) < off+8*jtLen+4 {
		return errBadCodeBlob
	}
	c.JumpTable = make([]uint64, jtLen)
	for i := range c.JumpTable {
		c.JumpTable[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	codeLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) != off+codeLen {
		return errBadCodeBlob
	}
	c.Code = append([]byte(nil), data[off:]...)
	return nil
}
