package transport

import (
	"fmt"

	"github.com/mysqlbus/mysqlbus/conn"
)

const (
	receiveIndexName    = "ix_receive"
	expirationIndexName = "ix_expiration"

	// sweepBatchSize caps every sweeper SELECT so the ID-targeted deletes
	// and updates never lock-scan the table under concurrent receivers.
	sweepBatchSize = 100
)

func createQueueTableScript(table conn.TableName) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  `+"`id`"+` BIGINT NOT NULL AUTO_INCREMENT,
  `+"`priority`"+` INT NOT NULL DEFAULT 0,
  `+"`ordering_key`"+` VARCHAR(200) NULL,
  `+"`visible`"+` DATETIME(6) NOT NULL,
  `+"`expiration`"+` DATETIME(6) NOT NULL,
  `+"`headers`"+` LONGBLOB NOT NULL,
  `+"`body`"+` LONGBLOB NOT NULL,
  `+"`leased_until`"+` DATETIME(6) NULL,
  `+"`leased_by`"+` VARCHAR(200) NULL,
  `+"`leased_at`"+` DATETIME(6) NULL,
  PRIMARY KEY (`+"`id`"+`)
)`, table.Qualified())
}

// insertQuery appends one row. visible is an absolute instant for
// deferred messages or NULL for NOW(6); expiration is NOW(6) plus the TTL
// in microseconds.
func insertQuery(table conn.TableName) string {
	return fmt.Sprintf(`
INSERT INTO %s (`+"`headers`, `body`, `priority`, `ordering_key`, `visible`, `expiration`, `leased_until`, `leased_by`, `leased_at`"+`)
VALUES (?, ?, ?, ?, COALESCE(?, NOW(6)), DATE_ADD(NOW(6), INTERVAL ? MICROSECOND), NULL, NULL, NULL)`,
		table.Qualified())
}

// receiveQuery selects the single best deliverable row and locks it. The
// predicate and ORDER BY walk the receive index in one traversal; FOR
// UPDATE makes two concurrent receivers collide on exactly this row. The
// NOT EXISTS keeps at most one row per ordering key in flight across the
// fleet; rows with a NULL key are unconstrained because NULL never equals
// NULL.
func receiveQuery(table conn.TableName) string {
	q := table.Qualified()
	return fmt.Sprintf(`
SELECT m.`+"`id`, m.`headers`, m.`body`"+`
FROM %s m
WHERE m.`+"`visible`"+` < NOW(6)
  AND m.`+"`expiration`"+` > NOW(6)
  AND (m.`+"`leased_until`"+` IS NULL OR DATE_ADD(m.`+"`leased_until`"+`, INTERVAL ? MICROSECOND) < NOW(6))
  AND NOT EXISTS (
    SELECT 1 FROM %s o
    WHERE o.`+"`ordering_key`"+` = m.`+"`ordering_key`"+`
      AND o.`+"`leased_until`"+` > NOW(6)
      AND o.`+"`id`"+` <> m.`+"`id`"+`)
ORDER BY m.`+"`priority`"+` DESC, m.`+"`visible`"+` ASC, m.`+"`id`"+` ASC
LIMIT 1
FOR UPDATE`, q, q)
}

func leaseQuery(table conn.TableName) string {
	return fmt.Sprintf("UPDATE %s SET `leased_until` = DATE_ADD(NOW(6), INTERVAL ? MICROSECOND), `leased_at` = NOW(6), `leased_by` = ? WHERE `id` = ?",
		table.Qualified())
}

func renewLeaseQuery(table conn.TableName) string {
	return fmt.Sprintf("UPDATE %s SET `leased_until` = DATE_ADD(NOW(6), INTERVAL ? MICROSECOND) WHERE `id` = ?",
		table.Qualified())
}

func clearLeaseQuery(table conn.TableName) string {
	return fmt.Sprintf("UPDATE %s SET `leased_until` = NULL, `leased_by` = NULL, `leased_at` = NULL WHERE `id` = ?",
		table.Qualified())
}

func deleteQuery(table conn.TableName) string {
	return fmt.Sprintf("DELETE FROM %s WHERE `id` = ?", table.Qualified())
}

func selectExpiredQuery(table conn.TableName) string {
	return fmt.Sprintf("SELECT `id` FROM %s WHERE `expiration` < NOW(6) LIMIT %d",
		table.Qualified(), sweepBatchSize)
}

func deleteByIDsQuery(table conn.TableName, placeholders string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE `id` IN (%s)", table.Qualified(), placeholders)
}

func selectAbandonedQuery(table conn.TableName) string {
	return fmt.Sprintf("SELECT `id` FROM %s WHERE `visible` < DATE_SUB(NOW(6), INTERVAL ? MICROSECOND) AND `leased_until` IS NOT NULL LIMIT %d",
		table.Qualified(), sweepBatchSize)
}

func clearLeasesByIDsQuery(table conn.TableName, placeholders string) string {
	return fmt.Sprintf("UPDATE %s SET `leased_until` = NULL, `leased_by` = NULL, `leased_at` = NULL WHERE `id` IN (%s)",
		table.Qualified(), placeholders)
}
