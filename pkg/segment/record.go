package segment

import (
	"bytes"
	"strconv"
	"strings"
)

// On-disk record: "<decimal key>,<value>\n". No header, no checksum.
const (
	fieldDelimiter  = ','
	recordDelimiter = '\n'
)

// EncodeRecord serializes one record.
func EncodeRecord(key uint64, value string) []byte {
	rec := make([]byte, 0, 21+len(value)+1)
	rec = strconv.AppendUint(rec, key, 10)
	rec = append(rec, fieldDelimiter)
	rec = append(rec, value...)
	return append(rec, recordDelimiter)
}

// DecodeRecord parses a single line (without its trailing newline) into a
// key and the value bytes. The line is split on the first comma only, so
// values may themselves contain commas.
func DecodeRecord(line []byte) (uint64, []byte, error) {
	key, valueStart, reason := parseRecord(line)
	if reason != "" {
		return 0, nil, &CorruptRecordError{Line: 1, Reason: reason}
	}
	return key, line[valueStart:], nil
}

// parseRecord returns the key and value offset within line, or a non-empty
// reason describing why the line is not a record.
func parseRecord(line []byte) (uint64, int, string) {
	comma := bytes.IndexByte(line, fieldDelimiter)
	if comma < 0 {
		return 0, 0, "missing ',' separator"
	}
	if comma == 0 {
		return 0, 0, "empty key"
	}
	key, err := strconv.ParseUint(string(line[:comma]), 10, 64)
	if err != nil {
		return 0, 0, "key is not a non-negative integer: " + strconv.Quote(string(line[:comma]))
	}
	return key, comma + 1, ""
}

// ValidValue reports whether value can be stored without breaking the
// one-record-per-line encoding.
func ValidValue(value string) bool {
	return !strings.ContainsRune(value, recordDelimiter)
}
