package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// DefaultSchema is the PostgreSQL schema used when none is configured.
const DefaultSchema = "tandem"

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

// SchemaSQL renders the embedded schema for the given schema name.
func SchemaSQL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return "", errors.New("store: invalid schema identifier")
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("store: nil pool")
	}
	sql, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	// No arguments: pgx runs this with the simple protocol, so multiple
	// statements are allowed.
	if _, err := pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
