package storage

import (
	"fmt"
	"strings"
	"time"
)

// MaxAuditRows caps unbounded audit queries.
const MaxAuditRows = 1000

const auditColumns = `id, request_id, timestamp, api_key, method, endpoint, status, reason, response_time_ms, client_ip, user_agent`

// dialect adapts audit queries to a driver.
type dialect struct {
	placeholder func(n int) string // nth bind parameter
	timeArg     func(t time.Time) any
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:     func(t time.Time) any { return t },
}

// SQLite stores timestamps as unix nanoseconds.
var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UnixNano() },
}

// buildAuditQuery renders a filtered audit SELECT for d.
func buildAuditQuery(filter AuditFilter, d dialect) (string, []any) {
	var query strings.Builder
	query.WriteString(`SELECT ` + auditColumns + ` FROM audit_log WHERE 1=1`)
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}
	if filter.Endpoint != "" {
		fmt.Fprintf(&query, ` AND endpoint LIKE %s`, next(filter.Endpoint+"%"))
	}
	if filter.Status != 0 {
		fmt.Fprintf(&query, ` AND status = %s`, next(filter.Status))
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= %s`, next(d.timeArg(*filter.Since)))
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	// SQLite has no OFFSET without LIMIT.
	if filter.Offset > 0 && filter.Limit <= 0 {
		filter.Limit = MaxAuditRows
	}
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT %s`, next(filter.Limit))
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET %s`, next(filter.Offset))
	}
	return query.String(), args
}
