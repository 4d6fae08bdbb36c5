// Package protocol implements the chatwire line format.
//
// A line is a command token followed by positional fields, joined by Delimiter
// and terminated by '\n':
//
//	COMMAND|#|field1|#|field2
//
// A correlated request or response carries its key on the command token
// (COMMAND@KEY). List-valued fields join items with ListDelimiter and the
// columns of one item with ColumnDelimiter. Nothing is escaped: the reserved
// sequences may not appear in payload text, and Encode refuses fields that
// contain them.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	Delimiter       = "|#|"
	ListDelimiter   = "|;|"
	ColumnDelimiter = "|,|"

	keySeparator = "@"
)

var (
	ErrEmptyLine         = errors.New("empty line")
	ErrMissingCommand    = errors.New("missing command")
	ErrForbiddenSequence = errors.New("field contains a reserved sequence")
	ErrTooFewFields      = errors.New("too few fields")
)

// Message is one decoded line.
type Message struct {
	Command Command
	Key     string
	Fields  []string
}

// Encode builds an uncorrelated line.
func Encode(cmd Command, fields ...string) (string, error) {
	return EncodeRequest(cmd, "", fields...)
}

// EncodeRequest builds a line whose command token carries key.
func EncodeRequest(cmd Command, key string, fields ...string) (string, error) {
	head := string(cmd)
	if head == "" {
		return "", ErrMissingCommand
	}
	if strings.Contains(head, keySeparator) || checkField(head) != nil {
		return "", fmt.Errorf("command %q: %w", head, ErrForbiddenSequence)
	}
	if key != "" {
		if strings.Contains(key, keySeparator) || checkField(key) != nil {
			return "", fmt.Errorf("key %q: %w", key, ErrForbiddenSequence)
		}
		head += keySeparator + key
	}

	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, head)
	for i, f := range fields {
		if err := checkField(f); err != nil {
			return "", fmt.Errorf("%s field %d: %w", cmd, i+1, err)
		}
		parts = append(parts, f)
	}

	return strings.Join(parts, Delimiter) + "\n", nil
}

// Decode parses one line. It never panics on short input; callers check
// field counts with Require.
func Decode(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Message{}, ErrEmptyLine
	}

	parts := strings.Split(line, Delimiter)
	head := parts[0]

	var msg Message
	if i := strings.Index(head, keySeparator); i >= 0 {
		msg.Command = Command(head[:i])
		msg.Key = head[i+1:]
	} else {
		msg.Command = Command(head)
	}
	if msg.Command == "" {
		return Message{}, ErrMissingCommand
	}
	if len(parts) > 1 {
		msg.Fields = parts[1:]
	}

	return msg, nil
}

// Field returns the i-th field or "" when the line is shorter.
func (m Message) Field(i int) string {
	if i < 0 || i >= len(m.Fields) {
		return ""
	}
	return m.Fields[i]
}

// Require reports ErrTooFewFields when the message has fewer than n fields.
func (m Message) Require(n int) error {
	if len(m.Fields) < n {
		return fmt.Errorf("%s: %w: want %d, got %d", m.Command, ErrTooFewFields, n, len(m.Fields))
	}
	return nil
}

// Int parses field i, falling back to def when it is absent or malformed.
func (m Message) Int(i, def int) int {
	v, err := strconv.Atoi(m.Field(i))
	if err != nil {
		return def
	}
	return v
}

// Bool parses field i as a flag ("true"/"1").
func (m Message) Bool(i int) bool {
	return ParseBool(m.Field(i))
}

// Line re-encodes the message.
func (m Message) Line() (string, error) {
	return EncodeRequest(m.Command, m.Key, m.Fields...)
}

func (m Message) String() string {
	head := string(m.Command)
	if m.Key != "" {
		head += keySeparator + m.Key
	}
	return strings.Join(append([]string{head}, m.Fields...), Delimiter)
}

// JoinList joins list items into one field.
func JoinList(items []string) string {
	return strings.Join(items, ListDelimiter)
}

// SplitList recovers the items of a list field. An empty field is an empty list.
func SplitList(field string) []string {
	if field == "" {
		return nil
	}
	return strings.Split(field, ListDelimiter)
}

// JoinColumns joins the columns of one list item.
func JoinColumns(cols ...string) string {
	return strings.Join(cols, ColumnDelimiter)
}

// SplitColumns splits one list item into its columns.
func SplitColumns(item string) []string {
	return strings.Split(item, ColumnDelimiter)
}

// CheckText reports whether s may travel anywhere in a line, including inside
// list items.
func CheckText(s string) error {
	if err := checkField(s); err != nil {
		return err
	}
	if strings.Contains(s, ListDelimiter) || strings.Contains(s, ColumnDelimiter) ||
		strings.HasSuffix(s, "|;") || strings.HasSuffix(s, "|,") {
		return ErrForbiddenSequence
	}
	return nil
}

// Clean strips reserved sequences and line breaks from s. Used for stored text
// that is echoed inside list payloads.
func Clean(s string) string {
	r := strings.NewReplacer(
		Delimiter, " ",
		ListDelimiter, " ",
		ColumnDelimiter, " ",
		"\n", " ",
		"\r", "",
	)
	s = r.Replace(s)
	for strings.HasSuffix(s, "|#") || strings.HasSuffix(s, "|;") || strings.HasSuffix(s, "|,") {
		s = s[:len(s)-1]
	}
	return s
}

// FormatBool renders a flag field.
func FormatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ParseBool parses a flag field.
func ParseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// checkField also rejects a trailing "|#": followed by Delimiter it would
// produce an earlier match than the real boundary.
func checkField(s string) error {
	if strings.Contains(s, Delimiter) || strings.ContainsAny(s, "\r\n") || strings.HasSuffix(s, "|#") {
		return ErrForbiddenSequence
	}
	return nil
}
