package mysqlbus_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"

	"github.com/mysqlbus/mysqlbus"
)

func TestMySQLErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		number uint16
		match  func(error) bool
	}{
		{name: "duplicate entry", number: 1062, match: mysqlbus.IsDuplicateEntry},
		{name: "deadlock", number: 1213, match: mysqlbus.IsDeadlock},
		{name: "database exists", number: 1007, match: mysqlbus.IsDatabaseExists},
		{name: "bad table", number: 1051, match: mysqlbus.IsBadTable},
		{name: "multiple primary key", number: 1068, match: mysqlbus.IsMultiplePrimaryKey},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := &mysql.MySQLError{Number: tt.number, Message: tt.name}
			if !tt.match(err) {
				t.Fatalf("matcher rejected error %d", tt.number)
			}
			// Wrapped errors must still classify.
			if !tt.match(fmt.Errorf("outer: %w", err)) {
				t.Fatalf("matcher rejected wrapped error %d", tt.number)
			}
			// The wrong number must not.
			other := &mysql.MySQLError{Number: tt.number + 1}
			if tt.match(other) {
				t.Fatalf("matcher accepted error %d", other.Number)
			}
		})
	}

	if mysqlbus.IsDeadlock(errors.New("plain")) {
		t.Fatalf("IsDeadlock matched a non-MySQL error")
	}
}
