package nvm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/neurlang-sub001/log"
)

// IOPermissions is the allowlist guarding FILE/NET/IO operations. The
// zero value denies everything.
type IOPermissions struct {
	AllowConsole bool
	// ReadPaths/WritePaths are path prefixes a program may open.
	ReadPaths  []string
	WritePaths []string
	AllowNet   bool
	// PortMin/PortMax bound listen/connect ports; both zero = any port.
	PortMin uint16
	PortMax uint16
}

// AllowAllIO grants unrestricted I/O, for interactive runs and tests.
func AllowAllIO() *IOPermissions {
	return &IOPermissions{
		AllowConsole: true,
		ReadPaths:    []string{"/"},
		WritePaths:   []string{"/"},
		AllowNet:     true,
	}
}

// DenyAllIO grants nothing. The default for embedded execution.
func DenyAllIO() *IOPermissions {
	return &IOPermissions{}
}

func (p *IOPermissions) canReadPath(path string) bool {
	return hasPrefixAny(path, p.ReadPaths)
}

func (p *IOPermissions) canWritePath(path string) bool {
	return hasPrefixAny(path, p.WritePaths)
}

func (p *IOPermissions) canUsePort(port uint16) bool {
	if !p.AllowNet {
		return false
	}
	if p.PortMin == 0 && p.PortMax == 0 {
		return true
	}
	return port >= p.PortMin && port <= p.PortMax
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ListenerFactory provides the listening socket satisfying a program's
// NET bind/listen sequence. The worker manager injects per-strategy
// factories (SO_REUSEPORT sockets, or a shared pre-bound listener).
type ListenerFactory func(port uint16) (net.Listener, error)

var errBadFd = errors.New("bad file descriptor")

type fdKind uint8

const (
	fdFile fdKind = iota
	fdListener
	fdConn
	fdSocket // created, not yet bound
)

type fdEntry struct {
	kind fdKind
	file *os.File
	ln   net.Listener
	conn net.Conn
	port uint16
}

// IORuntime owns one context's descriptor table. Descriptors 0-2 are the
// console; 3 and up are files and sockets. Exclusively owned by one
// context, like all other execution state.
type IORuntime struct {
	perms     *IOPermissions
	listeners ListenerFactory

	mu     sync.Mutex
	fds    map[uint64]*fdEntry
	nextFd uint64

	stdin *bufio.Reader
}

func NewIORuntime(perms *IOPermissions, listeners ListenerFactory) *IORuntime {
	if listeners == nil {
		listeners = func(port uint16) (net.Listener, error) {
			return net.Listen("tcp", fmt.Sprintf(":%d", port))
		}
	}
	return &IORuntime{
		perms:     perms,
		listeners: listeners,
		fds:       make(map[uint64]*fdEntry),
		nextFd:    3,
		stdin:     bufio.NewReader(os.Stdin),
	}
}

func (rt *IORuntime) alloc(e *fdEntry) uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fd := rt.nextFd
	rt.nextFd++
	rt.fds[fd] = e
	return fd
}

func (rt *IORuntime) get(fd uint64) (*fdEntry, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e, ok := rt.fds[fd]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errBadFd, fd)
	}
	return e, nil
}

// CloseAll releases every open descriptor. Called at context teardown.
func (rt *IORuntime) CloseAll() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for fd, e := range rt.fds {
		closeEntry(e)
		delete(rt.fds, fd)
	}
}

func closeEntry(e *fdEntry) {
	switch e.kind {
	case fdFile:
		e.file.Close()
	case fdListener:
		e.ln.Close()
	case fdConn:
		e.conn.Close()
	}
}

// File operations.

// Open flags: 0 read-only, 1 write (create/truncate), 2 read-write
// (create), 3 append (create).
func (rt *IORuntime) FileOpen(path string, flags uint32) (uint64, error) {
	var f *os.File
	var err error
	switch flags {
	case 0:
		if !rt.perms.canReadPath(path) {
			return 0, fmt.Errorf("file open %q: read not permitted", path)
		}
		f, err = os.Open(path)
	case 1:
		if !rt.perms.canWritePath(path) {
			return 0, fmt.Errorf("file open %q: write not permitted", path)
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	case 2:
		if !rt.perms.canReadPath(path) || !rt.perms.canWritePath(path) {
			return 0, fmt.Errorf("file open %q: read-write not permitted", path)
		}
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	case 3:
		if !rt.perms.canWritePath(path) {
			return 0, fmt.Errorf("file open %q: append not permitted", path)
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	default:
		return 0, fmt.Errorf("file open %q: unknown flags %d", path, flags)
	}
	if err != nil {
		return 0, err
	}
	log.Trace(log.IoMonitoring, "file opened", "path", path, "flags", flags)
	return rt.alloc(&fdEntry{kind: fdFile, file: f}), nil
}

func (rt *IORuntime) FileRead(fd uint64, buf []byte) (int, error) {
	e, err := rt.get(fd)
	if err != nil {
		return 0, err
	}
	if e.kind != fdFile {
		return 0, fmt.Errorf("fd %d is not a file", fd)
	}
	n, err := e.file.Read(buf)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (rt *IORuntime) FileWrite(fd uint64, buf []byte) (int, error) {
	e, err := rt.get(fd)
	if err != nil {
		return 0, err
	}
	if e.kind != fdFile {
		return 0, fmt.Errorf("fd %d is not a file", fd)
	}
	return e.file.Write(buf)
}

func (rt *IORuntime) FileSeek(fd uint64, offset int64, whence uint32) (uint64, error) {
	e, err := rt.get(fd)
	if err != nil {
		return 0, err
	}
	if e.kind != fdFile {
		return 0, fmt.Errorf("fd %d is not a file", fd)
	}
	pos, err := e.file.Seek(offset, int(whence))
	return uint64(pos), err
}

func (rt *IORuntime) FileStat(path string) (size uint64, mtime uint64, err error) {
	if !rt.perms.canReadPath(path) {
		return 0, 0, fmt.Errorf("file stat %q: read not permitted", path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return uint64(fi.Size()), uint64(fi.ModTime().Unix()), nil
}

func (rt *IORuntime) FileMkdir(path string) error {
	if !rt.perms.canWritePath(path) {
		return fmt.Errorf("mkdir %q: write not permitted", path)
	}
	return os.MkdirAll(path, 0o755)
}

func (rt *IORuntime) FileDelete(path string) error {
	if !rt.perms.canWritePath(path) {
		return fmt.Errorf("delete %q: write not permitted", path)
	}
	return os.Remove(path)
}

func (rt *IORuntime) Close(fd uint64) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e, ok := rt.fds[fd]
	if !ok {
		return fmt.Errorf("%w: %d", errBadFd, fd)
	}
	closeEntry(e)
	delete(rt.fds, fd)
	return nil
}

// Network operations.

func (rt *IORuntime) NetSocket() (uint64, error) {
	if !rt.perms.AllowNet {
		return 0, errors.New("network not permitted")
	}
	return rt.alloc(&fdEntry{kind: fdSocket}), nil
}

// NetBind records the port; the socket starts accepting at NetListen.
func (rt *IORuntime) NetBind(fd uint64, port uint16) error {
	e, err := rt.get(fd)
	if err != nil {
		return err
	}
	if e.kind != fdSocket {
		return fmt.Errorf("fd %d is not an unbound socket", fd)
	}
	if !rt.perms.canUsePort(port) {
		return fmt.Errorf("bind port %d not permitted", port)
	}
	e.port = port
	return nil
}

func (rt *IORuntime) NetListen(fd uint64) error {
	e, err := rt.get(fd)
	if err != nil {
		return err
	}
	if e.kind != fdSocket {
		return fmt.Errorf("fd %d is not an unbound socket", fd)
	}
	ln, err := rt.listeners(e.port)
	if err != nil {
		return err
	}
	e.kind = fdListener
	e.ln = ln
	log.Debug(log.IoMonitoring, "listening", "addr", ln.Addr().String())
	return nil
}

func (rt *IORuntime) NetAccept(fd uint64) (uint64, error) {
	e, err := rt.get(fd)
	if err != nil {
		return 0, err
	}
	if e.kind != fdListener {
		return 0, fmt.Errorf("fd %d is not listening", fd)
	}
	conn, err := e.ln.Accept()
	if err != nil {
		return 0, err
	}
	return rt.alloc(&fdEntry{kind: fdConn, conn: conn}), nil
}

func (rt *IORuntime) NetConnect(fd uint64, host string, port uint16) error {
	e, err := rt.get(fd)
	if err != nil {
		return err
	}
	if e.kind != fdSocket {
		return fmt.Errorf("fd %d is not an unbound socket", fd)
	}
	if !rt.perms.canUsePort(port) {
		return fmt.Errorf("connect port %d not permitted", port)
	}
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	e.kind = fdConn
	e.conn = conn
	return nil
}

func (rt *IORuntime) NetSend(fd uint64, buf []byte) (int, error) {
	e, err := rt.get(fd)
	if err != nil {
		return 0, err
	}
	if e.kind != fdConn {
		return 0, fmt.Errorf("fd %d is not a connection", fd)
	}
	return e.conn.Write(buf)
}

func (rt *IORuntime) NetRecv(fd uint64, buf []byte) (int, error) {
	e, err := rt.get(fd)
	if err != nil {
		return 0, err
	}
	if e.kind != fdConn {
		return 0, fmt.Errorf("fd %d is not a connection", fd)
	}
	n, err := e.conn.Read(buf)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// NetSetopt applies a socket option to a connection descriptor. Options
// that do not map onto the Go runtime's socket surface are accepted and
// ignored, matching lenient setsockopt semantics.
func (rt *IORuntime) NetSetopt(fd uint64, opt byte, val uint64) error {
	e, err := rt.get(fd)
	if err != nil {
		return err
	}
	if e.kind != fdConn {
		return fmt.Errorf("fd %d is not a connection", fd)
	}
	tcp, ok := e.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	switch opt {
	case 1: // recv/send timeout in milliseconds, 0 = infinite
		if val == 0 {
			return tcp.SetDeadline(time.Time{})
		}
		return tcp.SetDeadline(time.Now().Add(time.Duration(val) * time.Millisecond))
	case 2:
		return tcp.SetKeepAlive(val != 0)
	case 4:
		return tcp.SetNoDelay(val != 0)
	case 5:
		return tcp.SetReadBuffer(int(val))
	case 6:
		return tcp.SetWriteBuffer(int(val))
	case 7:
		return tcp.SetLinger(int(val))
	}
	return nil
}

// Console operations.

func (rt *IORuntime) ConsolePrint(buf []byte) (int, error) {
	if !rt.perms.AllowConsole {
		return 0, errors.New("console not permitted")
	}
	return os.Stdout.Write(buf)
}

func (rt *IORuntime) ConsoleReadLine(max int) ([]byte, error) {
	if !rt.perms.AllowConsole {
		return nil, errors.New("console not permitted")
	}
	line, err := rt.stdin.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	line = []byte(strings.TrimRight(string(line), "\r\n"))
	if len(line) > max {
		line = line[:max]
	}
	return line, nil
}
