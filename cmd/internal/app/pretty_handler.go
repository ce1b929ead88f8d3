package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// palette paints a string when color output is on.
type palette bool

func (p palette) paint(code, s string) string {
	if !p || code == "" {
		return s
	}
	return code + s + ansiReset
}

// prettyHandler renders one key=value line per record for local development.
// Identifiers that tie log lines to an event (event_id, actor_id, session_id)
// are highlighted so one event's traffic is easy to follow.
type prettyHandler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	src   bool
	pal   palette

	prefix string      // joined group names, with a trailing dot
	attrs  []slog.Attr // pre-rendered by WithAttrs, already prefixed
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{out: w, mu: &sync.Mutex{}, level: slog.LevelInfo, pal: palette(color)}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.src = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	cp.attrs = append(cp.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ts=%s lvl=%s msg=%s",
		h.pal.paint(ansiDim, ts.Format("15:04:05.000")),
		h.levelTag(r.Level),
		h.pal.paint(ansiBright, r.Message),
	)

	if h.src && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.pal.paint(ansiDim, filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line)))
		}
	}

	for _, a := range h.attrs {
		h.writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *prettyHandler) writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}
	key = prefix + key

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.writeAttr(b, key+".", ga)
		}
		return
	}

	label, value := h.render(key, a.Value)
	b.WriteByte(' ')
	b.WriteString(label)
	b.WriteByte('=')
	b.WriteString(value)
}

// render returns the printed key and value for one attribute.
func (h *prettyHandler) render(key string, v slog.Value) (string, string) {
	switch key {
	case "method":
		m := strings.ToUpper(strings.TrimSpace(v.String()))
		return key, h.pal.paint(methodColor(m), m)
	case "event_id", "actor_id", "session_id", "path":
		return key, h.pal.paint(ansiCyan, quoteIfNeeded(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return key, h.pal.paint(classColor(int(n)/100), strconv.FormatInt(n, 10))
		}
	case "status_class":
		s := strings.TrimSpace(v.String())
		digit := 0
		if s != "" {
			digit = int(s[0] - '0')
		}
		return "class", h.pal.paint(classColor(digit), quoteIfNeeded(s))
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return "duration", h.pal.paint(durationColor(n), strconv.FormatInt(n, 10)+"ms")
		}
	case "result":
		s := strings.ToLower(strings.TrimSpace(v.String()))
		return key, h.pal.paint(resultColor(s), quoteIfNeeded(s))
	}
	return key, quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.pal.paint(ansiRed, "[ERROR]")
	case level >= slog.LevelWarn:
		return h.pal.paint(ansiYellow, "[WARN]")
	case level < slog.LevelInfo:
		return h.pal.paint(ansiMagenta, "[DEBUG]")
	default:
		return h.pal.paint(ansiBlue, "[INFO]")
	}
}

func methodColor(method string) string {
	switch method {
	case "GET":
		return ansiGreen
	case "POST", "PUT", "PATCH":
		return ansiYellow
	case "DELETE":
		return ansiRed
	default:
		return ansiMagenta
	}
}

// classColor colors by the leading status digit.
func classColor(digit int) string {
	switch digit {
	case 5:
		return ansiRed
	case 4:
		return ansiYellow
	case 3:
		return ansiCyan
	case 1, 2:
		return ansiGreen
	default:
		return ""
	}
}

func durationColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	default:
		return ansiDim
	}
}

func resultColor(result string) string {
	switch result {
	case "success", "applied", "delivered":
		return ansiGreen
	case "client_error", "redirect", "conflict", "dropped":
		return ansiYellow
	case "server_error":
		return ansiRed
	default:
		return ""
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
