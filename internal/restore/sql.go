package restore

import (
	"fmt"
	"strings"
)

// quoteIdentifier double-quotes a Postgres identifier, escaping embedded
// double quotes by doubling them.
func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// quoteLiteral single-quotes a Postgres string literal, escaping embedded
// single quotes by doubling them.
func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// shellSingleQuote wraps s in shell single quotes for passage as one exec
// argument, escaping embedded single quotes as '\''.
func shellSingleQuote(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `'\''`) + `'`
}

// credentialResyncSQL builds the idempotent role-recreate/re-password/
// superuser sequence run against db "postgres" after SQL replay: a
// restored dump may have renamed or re-passworded the role, and the
// env-declared password must remain authoritative so downstream services
// can reconnect.
func credentialResyncSQL(user, password string) string {
	role := quoteIdentifier(user)
	pass := quoteLiteral(password)
	roleLiteral := quoteLiteral(user)

	return fmt.Sprintf(`DO $$ BEGIN
  IF NOT EXISTS (SELECT FROM pg_catalog.pg_roles WHERE rolname=%s) THEN
    CREATE ROLE %s WITH LOGIN PASSWORD %s;
  END IF;
END $$;
ALTER ROLE %s WITH PASSWORD %s;
ALTER ROLE %s SUPERUSER;
`, roleLiteral, role, pass, role, pass, role)
}

// credentialResyncCommand wraps the SQL sequence as an exec argv: psql
// connects as the resolved POSTGRES_USER against db "postgres", the
// statement passed as one shell-quoted -c argument. Connecting as the
// literal role "postgres" would fail whenever POSTGRES_USER was
// customized, since initdb then bootstraps only that name as superuser.
func credentialResyncCommand(user, password string) []string {
	sql := credentialResyncSQL(user, password)
	return []string{"sh", "-c", fmt.Sprintf("psql -U %s -d postgres -c %s", shellSingleQuote(user), shellSingleQuote(sql))}
}
