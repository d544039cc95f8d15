// Package ir defines the binary instruction format of the Neurlang VM:
// fixed-width instruction words, mode enumerations, registers, capability
// fat pointers and the program container.
package ir

// Opcode classes. The instruction word carries the class in byte 0 and a
// class-specific mode in byte 1.
const (
	ALU       = 0x00 // register-register arithmetic/logic
	ALUI      = 0x01 // register-immediate arithmetic/logic
	MULDIV    = 0x02 // multiply/divide/modulo
	LOAD      = 0x03 // capability-checked load
	STORE     = 0x04 // capability-checked store
	ATOMIC    = 0x05 // capability-checked read-modify-write
	BRANCH    = 0x06 // conditional relative branch
	CALL      = 0x07 // lr <- pc+1, relative jump
	RET       = 0x08 // pc <- lr
	JUMP      = 0x09 // direct relative or indirect absolute jump
	CAPNEW    = 0x0A // mint a capability (privileged)
	CAPREST   = 0x0B // narrow a capability
	CAPQUERY  = 0x0C // read capability fields
	SPAWN     = 0x0D
	JOIN      = 0x0E
	CHAN      = 0x0F
	FENCE     = 0x10
	YIELD     = 0x11
	TAINT     = 0x12 // set a register's taint label
	SANITIZE  = 0x13 // clear a register's taint label
	FILE      = 0x14
	NET       = 0x15
	NETSETOPT = 0x16
	IO        = 0x17
	TIME      = 0x18
	FPU       = 0x19
	RAND      = 0x1A
	BITS      = 0x1B
	MOV       = 0x1C
	TRAP      = 0x1D
	NOP       = 0x1E
	HALT      = 0x1F
	EXTCALL   = 0x20 // boundary call to an externally resolved handler

	MaxOpcode = EXTCALL
)

var opcodeNames = [MaxOpcode + 1]string{
	"alu", "alui", "muldiv", "load", "store", "atomic", "branch", "call",
	"ret", "jump", "cap.new", "cap.restrict", "cap.query", "spawn", "join",
	"chan", "fence", "yield", "taint", "sanitize", "file", "net",
	"net.setopt", "io", "time", "fpu", "rand", "bits", "mov", "trap",
	"nop", "halt", "ext.call",
}

// OpcodeName returns the assembler mnemonic of an opcode class.
func OpcodeName(op byte) string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "invalid"
}

// AluOp selects the ALU sub-operation (mode byte of ALU/ALUI).
type AluOp byte

const (
	AluAdd AluOp = iota
	AluSub
	AluAnd
	AluOr
	AluXor
	AluShl
	AluShr // logical shift right
	AluSar // arithmetic shift right

	aluOpCount
)

func (op AluOp) Valid() bool { return op < aluOpCount }

// MulDivOp selects the MULDIV sub-operation.
type MulDivOp byte

const (
	MulDivMul  MulDivOp = iota // low 64 bits of the product
	MulDivMulH                 // high 64 bits of the product
	MulDivDiv
	MulDivMod

	mulDivOpCount
)

func (op MulDivOp) Valid() bool { return op < mulDivOpCount }

// MemWidth selects the access width of LOAD/STORE.
type MemWidth byte

const (
	MemByte   MemWidth = iota // 8-bit, zero-extended
	MemHalf                   // 16-bit
	MemWord                   // 32-bit
	MemDouble                 // 64-bit

	memWidthCount
)

func (w MemWidth) Valid() bool { return w < memWidthCount }

// ByteSize returns the access width in bytes.
func (w MemWidth) ByteSize() uint64 {
	return 1 << w
}

// AtomicOp selects the ATOMIC read-modify-write operation. All atomics are
// 64-bit wide and return the previous memory value in rd.
type AtomicOp byte

const (
	AtomicCas AtomicOp = iota // compare(rd)-and-swap(rs2)
	AtomicXchg
	AtomicAdd
	AtomicAnd
	AtomicOr
	AtomicXor
	AtomicMin
	AtomicMax

	atomicOpCount
)

func (op AtomicOp) Valid() bool { return op < atomicOpCount }

// BranchCond selects the BRANCH condition. Comparisons are signed except Ltu.
type BranchCond byte

const (
	BranchAlways BranchCond = iota
	BranchEq
	BranchNe
	BranchLt
	BranchLe
	BranchGt
	BranchGe
	BranchLtu

	branchCondCount
)

func (c BranchCond) Valid() bool { return c < branchCondCount }

// BitsOp selects the BITS unary bit-manipulation operation.
type BitsOp byte

const (
	BitsPopcount BitsOp = iota
	BitsClz
	BitsCtz
	BitsBswap

	bitsOpCount
)

func (op BitsOp) Valid() bool { return op < bitsOpCount }

// FileOp selects the FILE sub-operation.
type FileOp byte

const (
	FileOpen FileOp = iota
	FileRead
	FileWrite
	FileClose
	FileSeek
	FileStat
	FileMkdir
	FileDelete

	fileOpCount
)

func (op FileOp) Valid() bool { return op < fileOpCount }

// NetOp selects the NET sub-operation.
type NetOp byte

const (
	NetSocket NetOp = iota
	NetConnect
	NetBind
	NetListen
	NetAccept
	NetSend
	NetRecv
	NetClose

	netOpCount
)

func (op NetOp) Valid() bool { return op < netOpCount }

// NetOption selects the NETSETOPT socket option.
type NetOption byte

const (
	NetOptNonblock NetOption = iota
	NetOptTimeoutMs
	NetOptKeepalive
	NetOptReuseAddr
	NetOptNoDelay
	NetOptRecvBufSize
	NetOptSendBufSize
	NetOptLinger

	netOptionCount
)

func (op NetOption) Valid() bool { return op < netOptionCount }

// IoOp selects the IO (console) sub-operation.
type IoOp byte

const (
	IoPrint IoOp = iota
	IoReadLine
	IoGetArgs
	IoGetEnv

	ioOpCount
)

func (op IoOp) Valid() bool { return op < ioOpCount }

// TimeOp selects the TIME sub-operation.
type TimeOp byte

const (
	TimeNow TimeOp = iota
	TimeSleep
	TimeMonotonic

	timeOpCount
)

func (op TimeOp) Valid() bool { return op < timeOpCount }

// FpuOp selects the FPU sub-operation. Values are IEEE-754 binary64 held
// in the integer registers.
type FpuOp byte

const (
	FpuAdd FpuOp = iota
	FpuSub
	FpuMul
	FpuDiv
	FpuSqrt
	FpuAbs
	FpuFloor
	FpuCeil
	FpuCmpEq
	FpuCmpNe
	FpuCmpLt
	FpuCmpLe
	FpuCmpGt
	FpuCmpGe

	fpuOpCount
)

func (op FpuOp) Valid() bool { return op < fpuOpCount }

// RandOp selects the RAND sub-operation.
type RandOp byte

const (
	RandBytes RandOp = iota
	RandU64

	randOpCount
)

func (op RandOp) Valid() bool { return op < randOpCount }

// Registers. r0..r27 are general purpose; fp/sp/lr are conventional
// roles only and behave as general registers. Register 31 is hard-wired
// to zero: reads return 0 and writes are discarded.
const (
	RegR0   = 0
	RegFP   = 28
	RegSP   = 29
	RegLR   = 30
	RegZero = 31

	NumRegisters = 32
)

// RegisterName returns the assembler name of a register.
func RegisterName(reg byte) string {
	switch reg {
	case RegFP:
		return "fp"
	case RegSP:
		return "sp"
	case RegLR:
		return "lr"
	case RegZero:
		return "zero"
	}
	if reg < NumRegisters {
		return "r" + itoa(reg)
	}
	return "invalid"
}

func itoa(v byte) string {
	if v >= 10 {
		return string([]byte{'0' + v/10, '0' + v%10})
	}
	return string([]byte{'0' + v})
}

// TaintLevel labels how untrusted a value's origin is. Levels are ordered;
// binary operations propagate the maximum of their operand levels.
type TaintLevel byte

const (
	TaintClean       TaintLevel = 0
	TaintUserInput   TaintLevel = 1
	TaintNetworkData TaintLevel = 2
	TaintFileData    TaintLevel = 3
	TaintToxic       TaintLevel = 255
)

func (t TaintLevel) String() string {
	switch t {
	case TaintClean:
		return "clean"
	case TaintUserInput:
		return "user-input"
	case TaintNetworkData:
		return "network-data"
	case TaintFileData:
		return "file-data"
	case TaintToxic:
		return "toxic"
	}
	return "level-" + itoa(byte(t))
}

// MaxTaint returns the higher of two taint levels.
func MaxTaint(a, b TaintLevel) TaintLevel {
	if a > b {
		return a
	}
	return b
}
