package protocol

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Operation
		wantErr error
	}{
		{name: "get", line: "get 42", want: Get(42)},
		{name: "get with newline", line: "get 42\n", want: Get(42)},
		{name: "get with crlf", line: "get 42\r\n", want: Get(42)},
		{name: "get upper case", line: "GET 1", want: Get(1)},
		{name: "get extra blanks", line: "  get \t 7  ", want: Get(7)},
		{name: "get max key", line: "get 18446744073709551615", want: Get(18446744073709551615)},
		{name: "set", line: "set 1 hello", want: Set(1, "hello")},
		{name: "set keeps inner spaces", line: "set 1 hello   big world", want: Set(1, "hello   big world")},
		{name: "set keeps trailing spaces", line: "set 1 a  \n", want: Set(1, "a  ")},
		{name: "set with commas", line: "set 2 a,b,c", want: Set(2, "a,b,c")},
		{name: "set unicode", line: "set 3 日本 語", want: Set(3, "日本 語")},
		{name: "set tab separated", line: "set\t4\tv", want: Set(4, "v")},
		{name: "set empty value", line: "set 1 ", want: Set(1, "")},
		{name: "set empty value crlf", line: "set 1 \r\n", want: Set(1, "")},
		{name: "set keeps leading spaces", line: "set 1   x", want: Set(1, "  x")},
		{name: "set keeps leading tab", line: "set 1 \tx", want: Set(1, "\tx")},
		{name: "set blank value", line: "set 1    ", want: Set(1, "   ")},

		{name: "empty", line: "", wantErr: ErrEmptyCommand},
		{name: "blank", line: "   \n", wantErr: ErrEmptyCommand},
		{name: "unknown", line: "del 1", wantErr: ErrUnknownCommand},
		{name: "get missing key", line: "get", wantErr: ErrMissingKey},
		{name: "get negative key", line: "get -1", wantErr: ErrInvalidKey},
		{name: "get text key", line: "get abc", wantErr: ErrInvalidKey},
		{name: "get overflow", line: "get 18446744073709551616", wantErr: ErrInvalidKey},
		{name: "get extra argument", line: "get 1 2", wantErr: ErrUnexpectedArgument},
		{name: "set missing key", line: "set", wantErr: ErrMissingKey},
		{name: "set bad key", line: "set x value", wantErr: ErrInvalidKey},
		{name: "set missing value", line: "set 1", wantErr: ErrMissingValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want %v", tt.line, err, tt.wantErr)
				}
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Errorf("Expected *ParseError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.line, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseErrorMessage(t *testing.T) {
	_, err := Parse("frob 1")
	if got := err.Error(); got != `unknown command: "frob"` {
		t.Errorf("Error() = %q", got)
	}
	if got := FormatParseError(err); got != "Error while parsing command: unknown command: \"frob\"\n" {
		t.Errorf("FormatParseError() = %q", got)
	}

	_, err = Parse("set 1")
	if got := err.Error(); got != "missing value" {
		t.Errorf("Error() = %q", got)
	}
}

func TestOperationString(t *testing.T) {
	for _, op := range []Operation{Get(5), Set(6, "a b,c"), Set(7, ""), Set(8, "  lead"), Set(9, "\tx ")} {
		parsed, err := Parse(op.String())
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", op.String(), err)
		}
		if parsed != op {
			t.Errorf("Parse(%q) = %+v, want %+v", op.String(), parsed, op)
		}
	}
	if Get(1).Kind.String() != "get" || Set(1, "v").Kind.String() != "set" || Kind(0).String() != "unknown" {
		t.Error("Unexpected Kind names")
	}
}

func TestReplies(t *testing.T) {
	if got := FormatValue("abc"); got != "abc\n" {
		t.Errorf("FormatValue() = %q", got)
	}
	if got := FormatValue(""); got != "\n" {
		t.Errorf("FormatValue(empty) = %q", got)
	}
	if got := FormatOK(); got != "Ok\n" {
		t.Errorf("FormatOK() = %q", got)
	}
	if got := FormatError("get key 1: key not found"); got != "Error: get key 1: key not found\n" {
		t.Errorf("FormatError() = %q", got)
	}

	if !IsErrorReply("Error: x") || !IsErrorReply("Error while parsing command: y") {
		t.Error("Expected error replies to be recognised")
	}
	if IsErrorReply("Ok") || IsErrorReply("value") {
		t.Error("Expected non-error replies to be rejected")
	}
}
