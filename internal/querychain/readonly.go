package querychain

import (
	"fmt"
	"strings"
)

// blockedPrefixes are SQL statement prefixes that indicate write/DDL
// operations. The dynamic database role is read-only too, but rejecting the
// statement locally gives a clear error instead of a permission failure.
var blockedPrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "DISCARD", "SET ", "RESET", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE",
	"EXECUTE", "DEALLOCATE", "LISTEN", "NOTIFY", "UNLISTEN",
	"LOAD", "CLUSTER", "REFRESH", "SECURITY",
}

// allowedPrefixes are the only SQL statement prefixes permitted.
var allowedPrefixes = []string{
	"SELECT", "EXPLAIN", "SHOW", "WITH",
}

// statementPrefixes is the keyword set ExtractSQL searches for. It includes
// the blocked prefixes so write statements reach ValidateReadOnly.
var statementPrefixes = append(append([]string{}, allowedPrefixes...), blockedPrefixes...)

// ValidateReadOnly checks that a generated SQL statement is safe for
// read-only execution: a single allowed statement, no write/DDL prefix.
func ValidateReadOnly(query string) error {
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return fmt.Errorf("query must not be empty")
	}

	// Strip leading comments (-- or /* */) to find the actual statement.
	normalized = stripLeadingComments(normalized)
	upper := strings.ToUpper(normalized)

	// Check against blocked prefixes first for clear error messages.
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("query blocked: %s statements are not allowed (read-only mode)", prefix)
		}
	}

	// Verify it starts with an allowed prefix.
	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("query must start with one of: %s", strings.Join(allowedPrefixes, ", "))
	}

	// Block multiple statements (semicolons not at the end).
	trimmed := strings.TrimRight(normalized, "; \t\n\r")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multiple statements not allowed; submit one query at a time")
	}

	return nil
}

// stripLeadingComments removes SQL comments from the beginning of a query.
func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "--") {
			if idx := strings.Index(s, "\n"); idx >= 0 {
				s = s[idx+1:]
			} else {
				return ""
			}
		} else if strings.HasPrefix(s, "/*") {
			if idx := strings.Index(s, "*/"); idx >= 0 {
				s = s[idx+2:]
			} else {
				return ""
			}
		} else {
			return s
		}
	}
}

// ExtractSQL pulls the SQL statement out of a model reply: code fences are
// stripped, prose before the statement is dropped, and only the first
// statement is kept.
func ExtractSQL(reply string) string {
	s := strings.TrimSpace(reply)

	// Fenced block wins if present.
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		// Drop an optional language tag on the fence line.
		if nl := strings.Index(s, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(s[:nl])
			if firstLine == "sql" || firstLine == "SQL" || firstLine == "postgresql" {
				s = s[nl+1:]
			}
		}
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	// Drop prose before the statement keyword. Blocked keywords are
	// recognized too, so a write statement is extracted and rejected by
	// ValidateReadOnly instead of vanishing as "no SQL". No keyword means
	// no SQL.
	upper := strings.ToUpper(s)
	start := -1
	for _, prefix := range statementPrefixes {
		if idx := strings.Index(upper, prefix); idx >= 0 && (start == -1 || idx < start) {
			start = idx
		}
	}
	if start == -1 {
		return ""
	}
	s = s[start:]

	// Keep only the first statement.
	if idx := strings.Index(s, ";"); idx >= 0 {
		s = s[:idx]
	}

	return strings.TrimSpace(s)
}
