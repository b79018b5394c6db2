package conn_test

import (
	"testing"

	"github.com/mysqlbus/mysqlbus/conn"
)

func TestParseTableName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in         string
		wantSchema string
		wantName   string
		wantErr    bool
	}{
		{in: "messages", wantName: "messages"},
		{in: "bus.messages", wantSchema: "bus", wantName: "messages"},
		{in: "`messages`", wantName: "messages"},
		{in: "`bus`.`messages`", wantSchema: "bus", wantName: "messages"},
		{in: "`odd.name`", wantName: "odd.name"},
		{in: "`has``tick`", wantName: "has`tick"},
		{in: "", wantErr: true},
		{in: "a.b.c", wantErr: true},
		{in: "`unterminated", wantErr: true},
		{in: "bus.", wantErr: true},
	}
	for _, tt := range tests {
		got, err := conn.ParseTableName(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseTableName(%q) expected error, got %+v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTableName(%q) error: %v", tt.in, err)
		}
		if got.Schema != tt.wantSchema || got.Name != tt.wantName {
			t.Fatalf("ParseTableName(%q) = %+v, want {%s %s}", tt.in, got, tt.wantSchema, tt.wantName)
		}
	}
}

func TestTableNameQualified(t *testing.T) {
	t.Parallel()
	if got := (conn.TableName{Name: "messages"}).Qualified(); got != "`messages`" {
		t.Fatalf("Qualified() = %s", got)
	}
	if got := (conn.TableName{Schema: "bus", Name: "messages"}).Qualified(); got != "`bus`.`messages`" {
		t.Fatalf("Qualified() = %s", got)
	}
	if got := (conn.TableName{Name: "has`tick"}).Qualified(); got != "`has``tick`" {
		t.Fatalf("Qualified() = %s", got)
	}
}

func TestTableNameEqual(t *testing.T) {
	t.Parallel()
	a := conn.TableName{Schema: "Bus", Name: "Messages"}
	b := conn.TableName{Schema: "bus", Name: "messages"}
	if !a.Equal(b) {
		t.Fatalf("%v should equal %v case-insensitively", a, b)
	}
	c := conn.TableName{Schema: "bus", Name: "other"}
	if a.Equal(c) {
		t.Fatalf("%v should not equal %v", a, c)
	}
}

func TestSplitCommands(t *testing.T) {
	t.Parallel()
	script := `CREATE TABLE a (id INT);
----
CREATE INDEX ix ON a (id);

----

----
DROP TABLE a;`
	got := conn.SplitCommands(script)
	want := []string{
		"CREATE TABLE a (id INT);",
		"CREATE INDEX ix ON a (id);",
		"DROP TABLE a;",
	}
	if len(got) != len(want) {
		t.Fatalf("SplitCommands returned %d statements, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statement %d = %q, want %q", i, got[i], want[i])
		}
	}
}
