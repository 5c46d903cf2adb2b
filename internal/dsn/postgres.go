// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	rePort    = regexp.MustCompile(`^\d+$`)
	sslModes  = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	defaultPG = "5432"
)

// PostgreSQLResolver handles PostgreSQL DSN validation and normalization
type PostgreSQLResolver struct{}

// NewPostgreSQLResolver creates a new PostgreSQL resolver
func NewPostgreSQLResolver() *PostgreSQLResolver {
	return &PostgreSQLResolver{}
}

// Validate checks that host, database and user are present and that the port
// and sslmode are well formed.
func (r *PostgreSQLResolver) Validate(info *DSNInfo) error {
	if strings.TrimSpace(info.Host) == "" {
		return NewParseError("missing host", "set CLINICAL_RECORDS_SERVER or clinical_records.host")
	}
	if strings.TrimSpace(info.Database) == "" {
		return NewParseError("missing database name", "set CLINICAL_RECORDS_DATABASE or clinical_records.database")
	}
	if strings.TrimSpace(info.User) == "" {
		return NewParseError("missing username", "set CLINICAL_RECORDS_USERNAME or clinical_records.username")
	}
	if strings.ContainsAny(info.Host, "/@?") {
		return NewParseError("host must not contain '/', '@' or '?'", "give the bare host name, e.g. ehr-server.hospital.org")
	}

	// Validate port is numeric if present
	if info.Port != "" && !rePort.MatchString(info.Port) {
		return NewParseError(fmt.Sprintf("invalid port number: %s", info.Port), "port must be numeric")
	}

	if mode, ok := info.Params["sslmode"]; ok && mode != "" {
		valid := false
		for _, m := range sslModes {
			if mode == m {
				valid = true
				break
			}
		}
		if !valid {
			return NewParseError(fmt.Sprintf("invalid sslmode: %s", mode), "use one of "+strings.Join(sslModes, ", "))
		}
	}

	return nil
}

// Normalize converts DSN info to a properly formatted connection string.
// Credentials are escaped by net/url so special characters in passwords survive.
func (r *PostgreSQLResolver) Normalize(info *DSNInfo) (string, error) {
	if info == nil {
		return "", NewParseError("nil DSN info", "")
	}

	port := info.Port
	if port == "" {
		port = defaultPG
	}

	u := url.URL{
		Scheme: "postgresql",
		Host:   net.JoinHostPort(info.Host, port),
		Path:   "/" + info.Database,
	}
	if info.User != "" {
		if info.Password != "" {
			u.User = url.UserPassword(info.User, info.Password)
		} else {
			u.User = url.User(info.User)
		}
	}

	// url.Values.Encode sorts keys so the output is deterministic
	q := url.Values{}
	for k, v := range info.Params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
