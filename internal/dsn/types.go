// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package dsn builds and validates connection strings for the two backends.
// Connection details arrive as discrete descriptor fields (host, port, database,
// user, secret); this package turns them into a driver-ready string and rejects
// anything malformed with a ParseError carrying a fix hint.
package dsn

import "fmt"

// DBType represents the type of database
type DBType string

const (
	DBTypePostgreSQL DBType = "postgresql"
	DBTypeNeo4j      DBType = "neo4j"
	DBTypeUnknown    DBType = "unknown"
)

// DSNInfo contains the discrete connection fields for one backend.
type DSNInfo struct {
	Type     DBType
	Host     string
	Port     string
	User     string
	Password string
	Database string
	Params   map[string]string
}

// Resolver is an interface for database-specific DSN resolution
type Resolver interface {
	// Normalize converts DSN info to a properly formatted connection string
	Normalize(info *DSNInfo) (string, error)

	// Validate checks if the fields are complete for the database type
	Validate(info *DSNInfo) error
}

// ParseError represents an error that occurred while building a DSN.
// The DSN itself is never rendered since it may contain a password.
type ParseError struct {
	Reason string
	Hint   string
}

func (e *ParseError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("invalid connection settings: %s (hint: %s)", e.Reason, e.Hint)
	}
	return fmt.Sprintf("invalid connection settings: %s", e.Reason)
}

// NewParseError creates a new ParseError
func NewParseError(reason, hint string) *ParseError {
	return &ParseError{
		Reason: reason,
		Hint:   hint,
	}
}
