package ir

// Capability permission bits.
const (
	PermRead   = 0b0000_0001
	PermWrite  = 0b0000_0010
	PermExec   = 0b0000_0100
	PermCap    = 0b0000_1000 // may store/load capabilities
	PermSeal   = 0b0001_0000
	PermUnseal = 0b0010_0000
)

// ValidTag is the magic tag value marking a live capability. Anything else
// in the tag field makes every check fail with an invalid-tag violation.
const ValidTag = 0xCA

// FatPointer is the architectural capability format: a bounds- and
// permission-carrying memory reference packed into two 64-bit words.
//
//	meta = tag<<56 | taint<<48 | perms<<40 | length<<8 | base&0xFF
//	addr = address(low 56 bits) | (base>>8)<<56
//
// The packed layout is preserved so capabilities can be stored to and
// loaded from memory (PermCap) without losing information.
type FatPointer struct {
	Tag     byte
	Taint   TaintLevel
	Perms   byte
	Length  uint32
	Base    uint64
	Address uint64
}

// NewFatPointer mints a capability spanning [base, base+length) with its
// cursor at base. Minting is a privileged operation; callers enforce that.
func NewFatPointer(base uint64, length uint32, perms byte) FatPointer {
	return FatPointer{
		Tag:     ValidTag,
		Taint:   TaintClean,
		Perms:   perms,
		Length:  length,
		Base:    base,
		Address: base,
	}
}

// Valid reports whether the capability carries the live tag.
func (fp FatPointer) Valid() bool {
	return fp.Tag == ValidTag
}

// CanRead/CanWrite/CanExec test individual permission bits.
func (fp FatPointer) CanRead() bool  { return fp.Perms&PermRead != 0 }
func (fp FatPointer) CanWrite() bool { return fp.Perms&PermWrite != 0 }
func (fp FatPointer) CanExec() bool  { return fp.Perms&PermExec != 0 }

// CanRestrictTo reports whether perms is a subset of the capability's
// permission bits.
func (fp FatPointer) CanRestrictTo(perms byte) bool {
	return fp.Perms&perms == perms
}

// Restrict derives a narrower capability. Bounds and permissions may only
// shrink; any attempted widening returns false and derives nothing.
func (fp FatPointer) Restrict(newBase uint64, newLength uint32, newPerms byte) (FatPointer, bool) {
	if newBase < fp.Base {
		return FatPointer{}, false
	}
	if newBase+uint64(newLength) > fp.Base+uint64(fp.Length) {
		return FatPointer{}, false
	}
	if !fp.CanRestrictTo(newPerms) {
		return FatPointer{}, false
	}
	return FatPointer{
		Tag:     ValidTag,
		Taint:   fp.Taint, // taint propagates through derivation
		Perms:   newPerms,
		Length:  newLength,
		Base:    newBase,
		Address: newBase,
	}, true
}

// Encode packs the capability into its two architectural words.
func (fp FatPointer) Encode() (meta uint64, addr uint64) {
	meta = uint64(fp.Tag)<<56 |
		uint64(fp.Taint)<<48 |
		uint64(fp.Perms)<<40 |
		uint64(fp.Length)<<8 |
		fp.Base&0xFF
	addr = fp.Address&0x00FF_FFFF_FFFF_FFFF | (fp.Base>>8)<<56
	return meta, addr
}

// DecodeFatPointer unpacks a capability from its two architectural words.
func DecodeFatPointer(meta, addr uint64) FatPointer {
	baseHigh := (addr >> 56) << 8
	return FatPointer{
		Tag:     byte(meta >> 56),
		Taint:   TaintLevel(meta >> 48),
		Perms:   byte(meta >> 40),
		Length:  uint32(meta >> 8),
		Base:    baseHigh | meta&0xFF,
		Address: addr & 0x00FF_FFFF_FFFF_FFFF,
	}
}
