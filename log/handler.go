package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"time"
)

const (
	timeFormat          = "2006-01-02T15:04:05-0700"
	floatFormat         = 'f'
	termMsgJust         = 40
	termCtxMaxPadding   = 40
	termTimeFormat      = "01-02|15:04:05.000"
	colorReset          = "\x1b[0m"
	colorRed            = "\x1b[31m"
	colorGreen          = "\x1b[32m"
	colorYellow         = "\x1b[33m"
	colorBlue           = "\x1b[34m"
	colorMagenta        = "\x1b[35m"
	colorCyanBackground = "\x1b[35;1m"
)

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &discardHandler{}
}

type terminalHandler struct {
	mu       sync.Mutex
	wr       io.Writer
	lvl      slog.Level
	useColor bool
	attrs    []slog.Attr

	// fieldPadding is a map with maximum field value lengths seen until now
	// to allow padding log contexts in a bit smarter way.
	fieldPadding map[string]int

	buf []byte
}

// NewTerminalHandler returns a handler which formats log records at all levels
// optimized for human readability on a terminal with color-coded level output
// and terser human friendly timestamp.
//
//	[LEVEL] [TIME] MESSAGE key=value key=value ...
func NewTerminalHandler(wr io.Writer, useColor bool) *terminalHandler {
	return NewTerminalHandlerWithLevel(wr, levelMaxVerbosity, useColor)
}

// NewTerminalHandlerWithLevel returns the same handler as NewTerminalHandler
// but only outputs records which are less than or equal to the specified verbosity level.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level, useColor bool) *terminalHandler {
	return &terminalHandler{
		wr:           wr,
		lvl:          lvl,
		useColor:     useColor,
		fieldPadding: make(map[string]int),
	}
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.format(h.buf, r, h.useColor)
	h.wr.Write(buf)
	h.buf = buf[:0]
	return nil
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

func (h *terminalHandler) WithGroup(name string) slog.Handler {
	panic("not implemented")
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &terminalHandler{
		wr:           h.wr,
		lvl:          h.lvl,
		useColor:     h.useColor,
		attrs:        append(h.attrs, attrs...),
		fieldPadding: make(map[string]int),
	}
}

func (h *terminalHandler) format(buf []byte, r slog.Record, usecolor bool) []byte {
	msg := r.Message
	var color = ""
	if usecolor {
		switch r.Level {
		case LevelCrit:
			color = colorCyanBackground
		case slog.LevelError:
			color = colorRed
		case slog.LevelWarn:
			color = colorYellow
		case slog.LevelInfo:
			color = colorGreen
		case slog.LevelDebug:
			color = colorCyanBackground
		case LevelTrace:
			color = colorBlue
		}
	}
	if buf == nil {
		buf = make([]byte, 0, 30+termMsgJust)
	}
	b := buf
	if color != "" {
		b = append(b, color...)
		b = append(b, LevelAlignedString(r.Level)...)
		b = append(b, colorReset...)
	} else {
		b = append(b, LevelAlignedString(r.Level)...)
	}
	b = append(b, '[')
	b = r.Time.AppendFormat(b, termTimeFormat)
	b = append(b, "] "...)
	b = append(b, msg...)

	// try to justify the log output for short messages
	if (r.NumAttrs()+len(h.attrs)) > 0 && len(msg) < termMsgJust {
		b = append(b, spaces[:termMsgJust-len(msg)]...)
	}
	// print the attributes padded to the maximum width seen so far
	b = h.formatAttributes(b, r, color)
	return b
}

func (h *terminalHandler) formatAttributes(buf []byte, r slog.Record, color string) []byte {
	writeAttr := func(attr slog.Attr, last bool) {
		buf = append(buf, ' ')

		if color != "" {
			buf = append(buf, color...)
			buf = appendEscapeString(buf, attr.Key)
			buf = append(buf, colorReset...)
		} else {
			buf = appendEscapeString(buf, attr.Key)
		}
		buf = append(buf, '=')
		start := len(buf)
		buf = appendValue(buf, attr.Value)
		padding := h.fieldPadding[attr.Key]

		length := len(buf) - start
		if padding < length && length <= termCtxMaxPadding {
			padding = length
			h.fieldPadding[attr.Key] = padding
		}
		if !last && padding > length {
			buf = append(buf, spaces[:padding-length]...)
		}
	}
	var n = 0
	var nAttrs = len(h.attrs) + r.NumAttrs()
	for _, attr := range h.attrs {
		writeAttr(attr, n == nAttrs-1)
		n++
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(attr, n == nAttrs-1)
		n++
		return true
	})
	buf = append(buf, '\n')
	return buf
}

var spaces = []byte("                                                                ")

func appendValue(b []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendEscapeString(b, v.String())
	case slog.KindInt64:
		return strconv.AppendInt(b, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(b, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(b, v.Float64(), floatFormat, 3, 64)
	case slog.KindBool:
		return strconv.AppendBool(b, v.Bool())
	case slog.KindDuration:
		return append(b, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(b, timeFormat)
	default:
		return appendAny(b, v.Any())
	}
}

func appendAny(b []byte, value any) []byte {
	if value == nil {
		return append(b, "<nil>"...)
	}
	switch v := value.(type) {
	case error:
		return appendEscapeString(b, v.Error())
	case fmt.Stringer:
		return appendEscapeString(b, v.String())
	case time.Time:
		return v.AppendFormat(b, timeFormat)
	case []byte:
		return append(b, fmt.Sprintf("%x", v)...)
	}
	internal := fmt.Sprintf("%+v", value)
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Ptr && !rv.IsNil() {
		internal = fmt.Sprintf("%+v", rv.Elem().Interface())
	}
	return appendEscapeString(b, internal)
}

func appendEscapeString(dst []byte, s string) []byte {
	needsQuoting := false
	for _, r := range s {
		// only quote strings containing spaces or the quote/equals chars
		if r <= ' ' || r == '=' || r == '"' {
			needsQuoting = true
			break
		}
	}
	if !needsQuoting {
		return append(dst, s...)
	}
	return strconv.AppendQuote(dst, s)
}
