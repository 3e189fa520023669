// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire encodes and decodes the line-oriented message
// format exchanged between the source and the destination.
//
// Each message travels as a single newline-terminated line
// carrying three labeled fields in fixed order:
//
//	SEQ=<sequence>|TS=<timestamp>|DATA=<payload>\n
//
// The newline terminator allows a receiver to re-frame the byte
// stream after partial reads: scanning for the next newline always
// lands on a message boundary.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Message is the unit exchanged between source and destination.
type Message struct {
	// Sequence is assigned by the source and increases by
	// exactly one per message within a session.
	Sequence uint64

	// Timestamp is the send time in floating-point seconds
	// since the Unix epoch, assigned by the source.
	Timestamp float64

	// Payload is the opaque message content.
	Payload string
}

// Time converts the message timestamp to a [time.Time].
func (m Message) Time() time.Time {
	sec, frac := math.Modf(m.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Timestamp converts a [time.Time] to the wire timestamp representation.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Encode serializes a [Message] to its wire representation,
// including the trailing newline.
func Encode(m Message) []byte {
	var builder strings.Builder
	builder.WriteString("SEQ=")
	builder.WriteString(strconv.FormatUint(m.Sequence, 10))
	builder.WriteString("|TS=")
	// Shortest exact representation: the decoded timestamp is
	// bit-identical to the encoded one, at any precision the
	// sender's clock produces.
	builder.WriteString(strconv.FormatFloat(m.Timestamp, 'f', -1, 64))
	builder.WriteString("|DATA=")
	builder.WriteString(m.Payload)
	builder.WriteString("\n")
	return []byte(builder.String())
}

// MalformedError indicates that a line could not be decoded
// as a [Message]. The destination treats it as an integrity
// signal rather than a fatal condition.
type MalformedError struct {
	// Raw is the offending line without the trailing newline.
	Raw []byte

	// Reason explains what was wrong with the line.
	Reason string
}

var _ error = &MalformedError{}

// Error implements error.
func (err *MalformedError) Error() string {
	return fmt.Sprintf("wire: malformed message: %s", err.Reason)
}

// IsMalformed returns whether err wraps a [*MalformedError].
func IsMalformed(err error) bool {
	var malformed *MalformedError
	return errors.As(err, &malformed)
}

// Decode parses a single line previously produced by [Encode]. The
// trailing newline, if present, is ignored. On failure it returns
// a [*MalformedError] describing the defect.
func Decode(line []byte) (Message, error) {
	raw := strings.TrimRight(string(line), "\r\n")

	malformed := func(reason string) (Message, error) {
		return Message{}, &MalformedError{Raw: []byte(raw), Reason: reason}
	}

	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return malformed("expected three |-separated fields")
	}

	seq, ok := strings.CutPrefix(parts[0], "SEQ=")
	if !ok {
		return malformed("missing SEQ field")
	}
	ts, ok := strings.CutPrefix(parts[1], "TS=")
	if !ok {
		return malformed("missing TS field")
	}
	payload, ok := strings.CutPrefix(parts[2], "DATA=")
	if !ok {
		return malformed("missing DATA field")
	}

	sequence, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return malformed("non-numeric SEQ field")
	}
	timestamp, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return malformed("non-numeric TS field")
	}

	return Message{Sequence: sequence, Timestamp: timestamp, Payload: payload}, nil
}

// MaxFrameSize is the maximum length in bytes of a single wire
// line, terminator included. A [NewScanner] scanner fails with
// [bufio.ErrTooLong] on longer lines.
const MaxFrameSize = 1 << 20

// NewScanner creates a [*bufio.Scanner] that yields one wire line
// per scan, so callers always observe whole-message frames even
// when the underlying reads are partial. Lines up to [MaxFrameSize]
// bytes are accepted.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), MaxFrameSize)
	scanner.Split(bufio.ScanLines)
	return scanner
}
