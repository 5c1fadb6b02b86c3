package postgres

import (
	"fmt"
	"strings"
)

// maxIdentifierLen is the Postgres identifier limit; the primary key name
// appends a suffix to the table name and must still fit.
const (
	maxIdentifierLen = 63
	primKeySuffix    = "_primKey"
	tablePrefix      = "job_tasks_"
)

// TempJobTableName derives the task table name of a step. The derivation is
// deterministic so a resumed step finds its rows again.
func TempJobTableName(stepID string) string {
	name := tablePrefix + sanitizeIdentifier(stepID)
	if max := maxIdentifierLen - len(primKeySuffix); len(name) > max {
		name = name[:max]
	}
	return name
}

// TaskTablePrimKeyName derives the primary key constraint name of a step's
// task table.
func TaskTablePrimKeyName(stepID string) string {
	return TempJobTableName(stepID) + primKeySuffix
}

func sanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SpaceTableName derives the feature table name of a space.
func SpaceTableName(spaceID string) string {
	name := sanitizeIdentifier(spaceID)
	if len(name) > maxIdentifierLen {
		name = name[:maxIdentifierLen]
	}
	return name
}

// QualifiedName renders a schema-qualified, quoted identifier pair.
func QualifiedName(schema, table string) string {
	return qualify(schema, table)
}

// qualify renders a schema-qualified, quoted identifier pair.
func qualify(schema, table string) string {
	return fmt.Sprintf("%q.%q", schema, table)
}
