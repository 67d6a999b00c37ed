package sqlengine

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// dialect renders the few expressions that differ between row stores.
type dialect struct {
	name string
}

func (d dialect) year(col string) string {
	switch d.name {
	case "postgres":
		return fmt.Sprintf("CAST(EXTRACT(YEAR FROM %s) AS INTEGER)", col)
	case "mysql":
		return fmt.Sprintf("YEAR(%s)", col)
	default:
		return fmt.Sprintf("CAST(substr(%s, 1, 4) AS INTEGER)", col)
	}
}

func (d dialect) month(col string) string {
	switch d.name {
	case "postgres":
		return fmt.Sprintf("CAST(EXTRACT(MONTH FROM %s) AS INTEGER)", col)
	case "mysql":
		return fmt.Sprintf("MONTH(%s)", col)
	default:
		return fmt.Sprintf("CAST(substr(%s, 6, 2) AS INTEGER)", col)
	}
}

// sum keeps money sums integral; postgres widens SUM(bigint) to numeric.
func (d dialect) sum(expr string) string {
	switch d.name {
	case "mysql":
		return fmt.Sprintf("CAST(SUM(%s) AS SIGNED)", expr)
	default:
		return fmt.Sprintf("CAST(SUM(%s) AS BIGINT)", expr)
	}
}

// bytewise orders text by byte value, matching Go string comparison.
func (d dialect) bytewise(col string) string {
	switch d.name {
	case "postgres":
		return col + ` COLLATE "C"`
	case "mysql":
		return col + " COLLATE utf8mb4_bin"
	default:
		return col
	}
}

// readTx gives the KPI queries one snapshot. sqlite transactions already
// see a single snapshot and its driver rejects non-default isolation.
func (d dialect) readTx() *sql.TxOptions {
	switch d.name {
	case "postgres", "mysql":
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	default:
		return nil
	}
}

const sqliteTimeLayout = "2006-01-02 15:04:05.999999999-07:00"

// bindTime formats a bound timestamp the way the row store compares it.
// sqlite stores datetimes as text, so bounds must use the same layout.
func (d dialect) bindTime(t time.Time) any {
	if d.name == "sqlite" {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

var timeLayouts = []string{
	sqliteTimeLayout,
	"2006-01-02 15:04:05.999999999Z07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// sqlTime scans aggregate timestamps. sqlite returns MAX() over a datetime
// column as text, the other drivers return time.Time.
type sqlTime struct {
	time.Time
}

func (t *sqlTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("scan %T into timestamp", value)
	}
}

func (t *sqlTime) parse(value string) error {
	value = strings.TrimSpace(value)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", value)
}
