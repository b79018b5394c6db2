package mysqlbus

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrMalformedMessage marks messages the transport refuses to store:
	// a non-integer priority header, or a deferred message with no
	// recipient header.
	ErrMalformedMessage = errors.New("mysqlbus: malformed message")

	// ErrConcurrency is returned when an optimistic update loses: a saga
	// revision mismatch or an insert against an existing saga id.
	ErrConcurrency = errors.New("mysqlbus: concurrency conflict")
)

// MySQL server error numbers the stores branch on.
const (
	errNumDatabaseExists     = 1007
	errNumBadTable           = 1051
	errNumDuplicateEntry     = 1062
	errNumMultiplePrimaryKey = 1068
	errNumLockDeadlock       = 1213
)

func isMySQLError(err error, number uint16) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == number
}

// IsDuplicateEntry reports a unique/primary key violation (1062).
func IsDuplicateEntry(err error) bool {
	return isMySQLError(err, errNumDuplicateEntry)
}

// IsDeadlock reports an InnoDB lock deadlock (1213). Receive treats it as
// "no message"; lease clear/delete retries it.
func IsDeadlock(err error) bool {
	return isMySQLError(err, errNumLockDeadlock)
}

// IsDatabaseExists reports error 1007.
func IsDatabaseExists(err error) bool {
	return isMySQLError(err, errNumDatabaseExists)
}

// IsBadTable reports error 1051, raised when dropping a missing table.
func IsBadTable(err error) bool {
	return isMySQLError(err, errNumBadTable)
}

// IsMultiplePrimaryKey reports error 1068.
func IsMultiplePrimaryKey(err error) bool {
	return isMySQLError(err, errNumMultiplePrimaryKey)
}
