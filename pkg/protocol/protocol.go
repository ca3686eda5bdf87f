// Package protocol implements the line-oriented command language spoken by
// segkv clients:
//
//	get <key>            -> <value> | Error: <message>
//	set <key> <value...> -> Ok      | Error: <message>
//
// Every command and every reply is a single newline-terminated line.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command names
const (
	CommandGet = "get"
	CommandSet = "set"
)

// Reply tokens
const (
	ReplyOK          = "Ok"
	ReplyErrorPrefix = "Error: "
	ParseErrorPrefix = "Error while parsing command: "
)

var (
	ErrEmptyCommand       = errors.New("empty command")
	ErrUnknownCommand     = errors.New("unknown command")
	ErrMissingKey         = errors.New("missing key")
	ErrInvalidKey         = errors.New("key must be a non-negative integer")
	ErrMissingValue       = errors.New("missing value")
	ErrUnexpectedArgument = errors.New("unexpected argument")
)

// Kind distinguishes the two operations.
type Kind int

const (
	KindGet Kind = iota + 1
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindGet:
		return CommandGet
	case KindSet:
		return CommandSet
	default:
		return "unknown"
	}
}

// Operation is a parsed command. Value is only meaningful for KindSet.
type Operation struct {
	Kind  Kind
	Key   uint64
	Value string
}

// Get builds a get operation
func Get(key uint64) Operation {
	return Operation{Kind: KindGet, Key: key}
}

// Set builds a set operation
func Set(key uint64, value string) Operation {
	return Operation{Kind: KindSet, Key: key, Value: value}
}

// String renders the operation back into its wire form, without the newline.
func (op Operation) String() string {
	switch op.Kind {
	case KindGet:
		return fmt.Sprintf("%s %d", CommandGet, op.Key)
	case KindSet:
		return fmt.Sprintf("%s %d %s", CommandSet, op.Key, op.Value)
	default:
		return ""
	}
}

// ParseError reports why a line is not a valid command.
type ParseError struct {
	Err   error
	Token string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %q", e.Err, e.Token)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse turns one line into an Operation. A trailing "\n" or "\r\n" is
// ignored. Command names are case-insensitive. For set, the value is the
// rest of the line after the single blank that follows the key, so leading,
// inner and trailing spaces are kept and "set 1 " stores an empty value.
func Parse(line string) (Operation, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	cmd, rest := nextToken(line)
	if cmd == "" {
		return Operation{}, &ParseError{Err: ErrEmptyCommand}
	}

	switch strings.ToLower(cmd) {
	case CommandGet:
		key, rest, err := parseKey(rest)
		if err != nil {
			return Operation{}, err
		}
		if extra, _ := nextToken(rest); extra != "" {
			return Operation{}, &ParseError{Err: ErrUnexpectedArgument, Token: extra}
		}
		return Get(key), nil

	case CommandSet:
		key, rest, err := parseKey(rest)
		if err != nil {
			return Operation{}, err
		}
		if rest == "" {
			return Operation{}, &ParseError{Err: ErrMissingValue}
		}
		// rest starts at the separator after the key
		return Set(key, rest[1:]), nil

	default:
		return Operation{}, &ParseError{Err: ErrUnknownCommand, Token: cmd}
	}
}

func parseKey(s string) (uint64, string, error) {
	tok, rest := nextToken(s)
	if tok == "" {
		return 0, "", &ParseError{Err: ErrMissingKey}
	}
	key, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, "", &ParseError{Err: ErrInvalidKey, Token: tok}
	}
	return key, rest, nil
}

// nextToken skips leading blanks and returns the next blank-delimited token
// and everything after it, starting at the delimiter.
func nextToken(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

// FormatValue is the reply to a successful get.
func FormatValue(value string) string {
	return value + "\n"
}

// FormatOK is the reply to a successful set.
func FormatOK() string {
	return ReplyOK + "\n"
}

// FormatError is the reply to a command the store rejected.
func FormatError(msg string) string {
	return ReplyErrorPrefix + msg + "\n"
}

// FormatParseError is the reply to a line that did not parse.
func FormatParseError(err error) string {
	return ParseErrorPrefix + err.Error() + "\n"
}

// IsErrorReply reports whether a reply line (without newline) is an error.
func IsErrorReply(line string) bool {
	return strings.HasPrefix(line, ReplyErrorPrefix) || strings.HasPrefix(line, ParseErrorPrefix)
}
