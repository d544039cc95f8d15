package nvm

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/neurlang-sub001/ir"
)

func TestFileRoundtripFromProgram(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	data := append([]byte(path), []byte("payload")...)
	pathLen := uint64(len(path))

	prog := ir.Assemble(0, data,
		// open(path, WRONLY|CREATE)
		insImm(ir.MOV, 0, 1, 0, 0, ir.DataBase),
		insImm(ir.MOV, 0, 2, 0, 0, pathLen),
		insImm(ir.FILE, byte(ir.FileOpen), 3, 1, 2, 1),
		// write(fd, "payload", 7)
		insImm(ir.MOV, 0, 4, 0, 0, ir.DataBase+pathLen),
		insImm(ir.FILE, byte(ir.FileWrite), 5, 3, 4, 7),
		ins(ir.FILE, byte(ir.FileClose), 6, 3, 0),
		// reopen(path, RDONLY) and read it back at 0x2000
		insImm(ir.FILE, byte(ir.FileOpen), 3, 1, 2, 0),
		insImm(ir.MOV, 0, 7, 0, 0, 0x2000),
		insImm(ir.FILE, byte(ir.FileRead), 8, 3, 7, 7),
		ins(ir.FILE, byte(ir.FileClose), 6, 3, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	perms := &IOPermissions{ReadPaths: []string{dir}, WritePaths: []string{dir}}
	ctx, err := NewContext(prog, Options{IOPerms: perms})
	require.NoError(t, err)
	defer ctx.Close()
	NewInterp(prog, ctx).Run()

	require.Equal(t, Halted, ctx.State, "trap %s", ctx.TrapKind)
	assert.EqualValues(t, 7, ctx.Reg(5), "bytes written")
	assert.EqualValues(t, 7, ctx.Reg(8), "bytes read")
	assert.Equal(t, []byte("payload"), ctx.Memory[0x2000:0x2007])
	// File contents carry file-data taint.
	assert.Equal(t, ir.TaintFileData, ctx.RegTaint(8))
}

func TestFileOpenDeniedFailsInBand(t *testing.T) {
	path := "/etc/passwd"
	prog := ir.Assemble(0, []byte(path),
		insImm(ir.MOV, 0, 1, 0, 0, ir.DataBase),
		insImm(ir.MOV, 0, 2, 0, 0, uint64(len(path))),
		insImm(ir.FILE, byte(ir.FileOpen), 3, 1, 2, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	ctx, err := NewContext(prog, Options{})
	require.NoError(t, err)
	defer ctx.Close()
	NewInterp(prog, ctx).Run()

	require.Equal(t, Halted, ctx.State)
	assert.Equal(t, ioErr, ctx.Reg(3))
}

// Writing a tainted buffer length to a file is a policy violation, not an
// in-band failure.
func TestFileWriteTaintGate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.bin")
	prog := ir.Assemble(0, []byte(path),
		insImm(ir.MOV, 0, 1, 0, 0, ir.DataBase),
		insImm(ir.MOV, 0, 2, 0, 0, uint64(len(path))),
		insImm(ir.FILE, byte(ir.FileOpen), 3, 1, 2, 1),
		insImm(ir.MOV, 0, 4, 0, 0, 0x2000),
		insImm(ir.TAINT, 0, 4, 0, 0, uint64(ir.TaintNetworkData)),
		insImm(ir.FILE, byte(ir.FileWrite), 5, 3, 4, 8),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	ctx, err := NewContext(prog, Options{IOPerms: &IOPermissions{WritePaths: []string{dir}}})
	require.NoError(t, err)
	defer ctx.Close()
	NewInterp(prog, ctx).Run()

	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapTaintViolation, ctx.TrapKind)
}

func TestNetConnectEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := uint64(ln.Addr().(*net.TCPAddr).Port)

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		if _, err := conn.Write([]byte("hello")); err != nil {
			done <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	prog := ir.Assemble(0, []byte("127.0.0.1\x00"),
		ins(ir.NET, byte(ir.NetSocket), 1, 0, 0),
		insImm(ir.MOV, 0, 2, 0, 0, ir.DataBase),
		insImm(ir.NET, byte(ir.NetConnect), 3, 1, 2, port),
		insImm(ir.MOV, 0, 4, 0, 0, 0x2000),
		insImm(ir.NET, byte(ir.NetRecv), 5, 1, 4, 5),
		ins(ir.SANITIZE, 0, 5, 0, 0),
		ins(ir.NET, byte(ir.NetSend), 5, 1, 4),
		ins(ir.NET, byte(ir.NetClose), 6, 1, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	ctx, err := NewContext(prog, Options{IOPerms: AllowAllIO()})
	require.NoError(t, err)
	defer ctx.Close()
	NewInterp(prog, ctx).Run()

	require.Equal(t, Halted, ctx.State, "trap %s", ctx.TrapKind)
	assert.EqualValues(t, 0, ctx.Reg(3), "connect result")
	assert.Equal(t, []byte("hello"), ctx.Memory[0x2000:0x2005])
	assert.EqualValues(t, 5, ctx.Reg(5), "bytes echoed")
	require.NoError(t, <-done)
}

// Sending unsanitized network data back out trips the taint gate: the
// recv result register is network-tainted and feeds the send length.
func TestNetSendTaintedLengthTraps(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := uint64(ln.Addr().(*net.TCPAddr).Port)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hi"))
		buf := make([]byte, 2)
		conn.Read(buf)
	}()

	prog := ir.Assemble(0, []byte("127.0.0.1\x00"),
		ins(ir.NET, byte(ir.NetSocket), 1, 0, 0),
		insImm(ir.MOV, 0, 2, 0, 0, ir.DataBase),
		insImm(ir.NET, byte(ir.NetConnect), 3, 1, 2, port),
		insImm(ir.MOV, 0, 4, 0, 0, 0x2000),
		insImm(ir.NET, byte(ir.NetRecv), 5, 1, 4, 2),
		ins(ir.NET, byte(ir.NetSend), 5, 1, 4), // no SANITIZE
		ins(ir.HALT, 0, 0, 0, 0),
	)
	ctx, err := NewContext(prog, Options{IOPerms: AllowAllIO()})
	require.NoError(t, err)
	defer ctx.Close()
	NewInterp(prog, ctx).Run()

	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapTaintViolation, ctx.TrapKind)
}

func TestNetDeniedByDefault(t *testing.T) {
	ctx := runProgram(t, Options{},
		ins(ir.NET, byte(ir.NetSocket), 1, 0, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.Equal(t, ioErr, ctx.Reg(1))
}

func TestPortRangeEnforced(t *testing.T) {
	perms := &IOPermissions{AllowNet: true, PortMin: 9000, PortMax: 9100}
	assert.True(t, perms.canUsePort(9050))
	assert.False(t, perms.canUsePort(80))
	assert.False(t, (&IOPermissions{}).canUsePort(9050))
}
