package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const consoleTimestampLayout = "2006-01-02 15:04:05"

// consoleHandler renders one line per record:
//
//	2026-01-02 15:04:05 INFO [pipeline] doc-17 (summarization) – stage completed attempt=1
//
// The component, document and stage fields are lifted into the line head;
// everything else trails as key=value pairs, later keys replacing earlier ones.
type consoleHandler struct {
	out       *lockedWriter
	level     *slog.LevelVar
	addSource bool
	prefix    string
	line      consoleLine
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) write(p []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := lw.w.Write(p)
	return err
}

// consoleLine accumulates the pieces of one rendered record.
type consoleLine struct {
	component string
	document  string
	stage     string
	fields    []consoleField
}

type consoleField struct {
	key  string
	text string
}

func newPrettyHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return &consoleHandler{out: &lockedWriter{w: w}, level: lvl, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	if !h.Enabled(context.Background(), record.Level) {
		return nil
	}
	line := h.line.clone()
	record.Attrs(func(attr slog.Attr) bool {
		line.add(h.prefix, attr)
		return true
	})

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	b.WriteString(ts.Local().Format(consoleTimestampLayout))
	b.WriteByte(' ')
	b.WriteString(levelLabel(record.Level))
	if line.component != "" {
		fmt.Fprintf(&b, " [%s]", line.component)
	}
	if subject := line.subject(); subject != "" {
		b.WriteByte(' ')
		b.WriteString(subject)
	}
	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	b.WriteString(" – ")
	b.WriteString(msg)
	if h.addSource {
		if src := record.Source(); src != nil && src.File != "" {
			fmt.Fprintf(&b, " [%s:%d]", filepath.Base(src.File), src.Line)
		}
	}
	for _, f := range line.fields {
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(f.text)
	}
	b.WriteByte('\n')
	return h.out.write([]byte(b.String()))
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.line = h.line.clone()
	for _, attr := range attrs {
		next.line.add(h.prefix, attr)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.line = h.line.clone()
	next.prefix = h.prefix + name + "."
	return &next
}

func (l consoleLine) clone() consoleLine {
	l.fields = append([]consoleField(nil), l.fields...)
	return l
}

func (l consoleLine) subject() string {
	switch {
	case l.document != "" && l.stage != "":
		return l.document + " (" + l.stage + ")"
	case l.document != "":
		return l.document
	default:
		return l.stage
	}
}

// add routes attr into the line head or the trailing fields. Groups are
// flattened into dotted keys.
func (l *consoleLine) add(prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	if attr.Value.Kind() == slog.KindGroup {
		inner := prefix
		if attr.Key != "" {
			inner = prefix + attr.Key + "."
		}
		for _, member := range attr.Value.Group() {
			l.add(inner, member)
		}
		return
	}
	if attr.Key == "" {
		return
	}
	if prefix == "" {
		switch attr.Key {
		case FieldComponent:
			l.component = plainText(attr.Value)
			return
		case FieldDocumentID:
			l.document = plainText(attr.Value)
			return
		case FieldStage:
			l.stage = plainText(attr.Value)
			return
		}
	}
	key := prefix + attr.Key
	text := quoteIfNeeded(plainText(attr.Value))
	for i := range l.fields {
		if l.fields[i].key == key {
			l.fields[i].text = text
			return
		}
	}
	l.fields = append(l.fields, consoleField{key: key, text: text})
}

func plainText(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return strings.TrimSpace(v.String())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
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
	if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}
