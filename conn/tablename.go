package conn

import (
	"fmt"
	"strings"

	"github.com/mysqlbus/mysqlbus/internal/sqlutil"
)

// TableName is a possibly schema-qualified MySQL table name. The zero
// value is not a valid name.
type TableName struct {
	Schema string
	Name   string
}

// ParseTableName accepts "table", "schema.table", and the backtick-quoted
// forms of either part.
func ParseTableName(s string) (TableName, error) {
	parts, err := splitName(s)
	if err != nil {
		return TableName{}, err
	}
	switch len(parts) {
	case 1:
		return TableName{Name: parts[0]}, nil
	case 2:
		return TableName{Schema: parts[0], Name: parts[1]}, nil
	default:
		return TableName{}, fmt.Errorf("mysqlbus: table name %q has too many parts", s)
	}
}

// splitName splits on dots that are outside backticks and unquotes each part.
func splitName(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("mysqlbus: table name is empty")
	}
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '`' && inQuote && i+1 < len(s) && s[i+1] == '`':
			cur.WriteByte('`')
			i++
		case c == '`':
			inQuote = !inQuote
		case c == '.' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("mysqlbus: table name %q has an unterminated backtick", s)
	}
	parts = append(parts, cur.String())
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("mysqlbus: table name %q has an empty part", s)
		}
	}
	return parts, nil
}

// Qualified renders the backtick-quoted form suitable for SQL text.
func (t TableName) Qualified() string {
	if t.Schema == "" {
		return sqlutil.QuoteIdentifier(t.Name, "`")
	}
	return sqlutil.QuoteIdentifier(t.Schema, "`") + "." + sqlutil.QuoteIdentifier(t.Name, "`")
}

// String implements fmt.Stringer.
func (t TableName) String() string {
	return t.Qualified()
}

// Equal compares case-insensitively, the way MySQL resolves names on the
// file systems this layer targets.
func (t TableName) Equal(o TableName) bool {
	return strings.EqualFold(t.Schema, o.Schema) && strings.EqualFold(t.Name, o.Name)
}

// IsZero reports whether no name was set.
func (t TableName) IsZero() bool {
	return t.Name == ""
}
