// SPDX-License-Identifier: GPL-3.0-or-later

package status

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LogHandler is an [slog.Handler] that renders each record to a
// single line and appends it to a [*LogBuffer], so ordinary logging
// calls feed the polled log tail.
//
// The zero value is invalid; construct using [NewLogHandler].
type LogHandler struct {
	// attrs are the attributes accumulated via WithAttrs.
	attrs []slog.Attr

	// buf is the destination buffer.
	buf *LogBuffer

	// group is the dotted prefix accumulated via WithGroup.
	group string

	// level is the minimum level to record.
	level slog.Leveler
}

var _ slog.Handler = &LogHandler{}

// NewLogHandler creates a [*LogHandler] writing to the given buffer.
// A nil level records everything at [slog.LevelInfo] and above.
func NewLogHandler(buf *LogBuffer, level slog.Leveler) *LogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &LogHandler{
		attrs: nil,
		buf:   buf,
		group: "",
		level: level,
	}
}

// Enabled implements [slog.Handler].
func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements [slog.Handler].
func (h *LogHandler) Handle(_ context.Context, record slog.Record) error {
	var builder strings.Builder
	builder.WriteString(record.Time.Format("2006-01-02T15:04:05.000Z07:00"))
	builder.WriteString(" ")
	builder.WriteString(record.Level.String())
	builder.WriteString(" ")
	builder.WriteString(record.Message)
	for _, attr := range h.attrs {
		// Stored attrs carry their group prefix already.
		writeAttr(&builder, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(&builder, h.prefixed(attr))
		return true
	})
	h.buf.Append(builder.String())
	return nil
}

// writeAttr renders a single attribute as " key=value".
func writeAttr(builder *strings.Builder, attr slog.Attr) {
	builder.WriteString(" ")
	builder.WriteString(attr.Key)
	builder.WriteString("=")
	builder.WriteString(fmt.Sprint(attr.Value.Resolve().Any()))
}

// prefixed applies the handler's current group prefix to a key.
func (h *LogHandler) prefixed(attr slog.Attr) slog.Attr {
	if h.group != "" {
		attr.Key = h.group + "." + attr.Key
	}
	return attr
}

// WithAttrs implements [slog.Handler].
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr{}, h.attrs...)
	for _, attr := range attrs {
		clone.attrs = append(clone.attrs, h.prefixed(attr))
	}
	return &clone
}

// WithGroup implements [slog.Handler].
func (h *LogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}
