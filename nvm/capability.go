package nvm

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/jeremyhahn/neurlang-sub001/ir"
)

// Capability construction errors. These surface at the call site; they
// are distinct from runtime check violations, which trap.
var (
	ErrWidened          = errors.New("capability restrict would widen bounds or permissions")
	ErrUnprivileged     = errors.New("capability minting requires privileged mode")
	ErrRegionOutOfRange = errors.New("capability region outside linear memory")
	ErrBadCapIndex      = errors.New("capability index out of range")
)

// Mint creates a new capability over [base, base+length) and returns its
// table index. Host callers are always privileged; program-level CAPNEW
// routes through MintChecked.
func (ctx *Context) Mint(base uint64, length uint32, perms byte) (uint64, error) {
	if base+uint64(length) > uint64(len(ctx.Memory)) {
		return 0, fmt.Errorf("%w: [%#x, %#x)", ErrRegionOutOfRange, base, base+uint64(length))
	}
	return ctx.appendCap(ir.NewFatPointer(base, length, perms)), nil
}

// MintChecked is Mint behind the privileged-mode gate, used by CAPNEW.
func (ctx *Context) MintChecked(base uint64, length uint32, perms byte) (uint64, error) {
	if !ctx.privileged {
		return 0, ErrUnprivileged
	}
	return ctx.Mint(base, length, perms)
}

// Restrict derives a narrowed capability from table[idx] and returns the
// new table index. Violations fail with ErrWidened and derive nothing.
func (ctx *Context) Restrict(idx uint64, newBase uint64, newLength uint32, newPerms byte) (uint64, error) {
	cap, err := ctx.Cap(idx)
	if err != nil {
		return 0, err
	}
	derived, ok := cap.Restrict(newBase, newLength, newPerms)
	if !ok {
		return 0, fmt.Errorf("%w: [%#x,+%d) perms %#x from [%#x,+%d) perms %#x",
			ErrWidened, newBase, newLength, newPerms, cap.Base, cap.Length, cap.Perms)
	}
	return ctx.appendCap(derived), nil
}

// Cap returns the architectural form of table[idx].
func (ctx *Context) Cap(idx uint64) (ir.FatPointer, error) {
	if idx >= uint64(len(ctx.caps)) {
		return ir.FatPointer{}, fmt.Errorf("%w: %d of %d", ErrBadCapIndex, idx, len(ctx.caps))
	}
	return ctx.caps[idx], nil
}

// Query reads one capability field without side effects. Fields: 0 base,
// 1 length, 2 perms, 3 address, 4 taint, 5 validity.
func (ctx *Context) Query(idx uint64, field byte) (uint64, error) {
	cap, err := ctx.Cap(idx)
	if err != nil {
		return 0, err
	}
	switch field {
	case 0:
		return cap.Base, nil
	case 1:
		return uint64(cap.Length), nil
	case 2:
		return uint64(cap.Perms), nil
	case 3:
		return cap.Address, nil
	case 4:
		return uint64(cap.Taint), nil
	case 5:
		if cap.Valid() {
			return 1, nil
		}
		return 0, nil
	}
	return 0, nil
}

// CheckCap validates an access of size bytes at addr through table[idx].
// Checks run in fixed order: tag validity, lower bound, upper bound,
// permission bits. The first failing check determines the trap kind.
func (ctx *Context) CheckCap(idx uint64, addr, size uint64, perms byte) TrapKind {
	if idx >= uint64(len(ctx.shadow)) {
		return TrapInvalidTag
	}
	ent := &ctx.shadow[idx]
	if ent.TagPerms&0xFF != ir.ValidTag {
		return TrapInvalidTag
	}
	if addr < ent.Base {
		return TrapOutOfBounds
	}
	if addr+size > ent.End || addr+size < addr {
		return TrapOutOfBounds
	}
	if byte(ent.TagPerms>>8)&perms != perms {
		return TrapPermissionDenied
	}
	return TrapNone
}

// CapTableLen reports the number of live capabilities.
func (ctx *Context) CapTableLen() int {
	return len(ctx.caps)
}

func (ctx *Context) appendCap(fp ir.FatPointer) uint64 {
	idx := uint64(len(ctx.caps))
	ctx.caps = append(ctx.caps, fp)
	ctx.shadow = append(ctx.shadow, CapEntry{
		Base:     fp.Base,
		End:      fp.Base + uint64(fp.Length),
		TagPerms: uint64(fp.Tag) | uint64(fp.Perms)<<8,
		Cursor:   fp.Address,
	})
	// The shadow backing array may have moved; refresh the frame view.
	ctx.Frame.CapBase = uintptr(unsafe.Pointer(&ctx.shadow[0]))
	ctx.Frame.CapCount = uint64(len(ctx.shadow))
	return idx
}
