package log

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// formatValue renders a resolved slog value as text.
func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		a := v.Any()
		if a == nil {
			return "<nil>"
		}
		if err, ok := a.(error); ok {
			return err.Error()
		}
		if s, ok := a.(fmt.Stringer); ok {
			return s.String()
		}
		if data, err := json.Marshal(a); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", a)
	default:
		return fmt.Sprintf("%v", v.Any())
	}
}

// renderAttr writes attr as space-separated key=value pairs. Groups are
// flattened into dotted keys. It reports whether anything was written.
func renderAttr(w io.StringWriter, prefix string, attr slog.Attr) bool {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return false
	}

	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		if len(group) == 0 {
			return false
		}
		if attr.Key != "" {
			prefix += attr.Key + "."
		}
		parts := make([]string, 0, len(group))
		for _, member := range group {
			var b strings.Builder
			if renderAttr(&b, prefix, member) {
				parts = append(parts, b.String())
			}
		}
		if len(parts) == 0 {
			return false
		}
		_, _ = w.WriteString(strings.Join(parts, " "))
		return true
	}

	_, _ = w.WriteString(prefix + attr.Key + "=" + quote(formatValue(attr.Value)))
	return true
}

// appendAttr renders attr after a separating space.
func appendAttr(buf *BoundedBuffer, prefix string, attr slog.Attr) {
	var b strings.Builder
	if renderAttr(&b, prefix, attr) {
		buf.WriteString(" ")
		buf.WriteString(b.String())
	}
}

func writePair(buf *BoundedBuffer, key, value string) {
	buf.WriteString(" " + key + "=" + quote(value))
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
