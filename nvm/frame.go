package nvm

// Frame is the machine-visible execution state. The interpreter reads and
// writes it through Go code; compiled stencils address it as raw offsets
// off a single base pointer. Field order and padding are therefore part
// of the generated-code ABI and must not change without regenerating the
// stencil offsets in nvm/stencil.
//
// Register 31 is the hard-wired zero register: Regs[31] is never written
// (reads stay 0). Writes with rd=31 are redirected to Discard, taint
// writes to TaintDiscard.
type Frame struct {
	Regs         [32]uint64 // +0    register file
	Discard      uint64     // +256  write sink for the zero register
	Taint        [32]uint8  // +264  per-register taint labels
	TaintDiscard uint8      // +296  taint sink for the zero register
	_            [7]uint8   // +297  pad to 8-byte alignment
	MemBase      uintptr    // +304  host address of linear memory
	MemLen       uint64     // +312
	Budget       int64      // +320  remaining instructions; trap when <0
	Trap         uint64     // +328  TrapKind, 0 = none
	Halt         uint64     // +336  1 = HALT reached
	JumpTable    uintptr    // +344  host address of []uint64 code offsets
	JumpTableLen uint64     // +352  entries in the jump table
	CodeBase     uintptr    // +360  host address of the compiled code
	CapBase      uintptr    // +368  host address of []CapEntry
	CapCount     uint64     // +376
}

// Frame field offsets, validated against unsafe.Offsetof in tests.
const (
	FrameRegsOff         = 0
	FrameDiscardOff      = 256
	FrameTaintOff        = 264
	FrameTaintDiscardOff = 296
	FrameMemBaseOff      = 304
	FrameMemLenOff       = 312
	FrameBudgetOff       = 320
	FrameTrapOff         = 328
	FrameHaltOff         = 336
	FrameJumpTableOff    = 344
	FrameJumpTableLenOff = 352
	FrameCodeBaseOff     = 360
	FrameCapBaseOff      = 368
	FrameCapCountOff     = 376
)

// CapEntry is the unpacked per-context shadow of one capability table
// slot, laid out for single-compare bounds checks in stencil prologues.
// ir.FatPointer remains the packed architectural form; the shadow is
// regenerated on every table mutation.
type CapEntry struct {
	Base     uint64 // +0
	End      uint64 // +8   Base + Length
	TagPerms uint64 // +16  tag in byte 0, perms in byte 1
	Cursor   uint64 // +24  current address
}

// CapEntry field offsets and size, part of the generated-code ABI.
const (
	CapEntrySize     = 32
	CapEntryBaseOff  = 0
	CapEntryEndOff   = 8
	CapEntryPermsOff = 16
)
