// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package backend

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	medcperrors "medcp/cli/internal/errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Classified is a driver error mapped onto the engine taxonomy.
type Classified struct {
	Err *medcperrors.E
	// Transient errors may succeed on a fresh connection.
	Transient bool
}

const apocMissing = "Neo.ClientError.Procedure.ProcedureNotFound"

// Classify maps a raw driver error of kind onto the error taxonomy. The raw
// text is kept only as the wrapped cause.
func Classify(kind Kind, err error) Classified {
	if err == nil {
		return Classified{}
	}
	if e, ok := medcperrors.As(err); ok {
		return Classified{Err: e, Transient: e.Kind == medcperrors.Connection}
	}

	name := kind.DisplayName()

	if errors.Is(err, context.DeadlineExceeded) {
		return Classified{Err: medcperrors.Wrap(medcperrors.Timeout, name+" query timed out", err)}
	}
	if errors.Is(err, context.Canceled) {
		return Classified{Err: medcperrors.Wrap(medcperrors.Timeout, name+" query was cancelled", err)}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(name, pgErr, err)
	}

	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return classifyNeo4j(name, neoErr, err)
	}
	if neo4j.IsConnectivityError(err) {
		return Classified{Err: medcperrors.Wrap(medcperrors.Connection, name+" connection lost", err), Transient: true}
	}

	if pgconn.Timeout(err) {
		return Classified{Err: medcperrors.Wrap(medcperrors.Timeout, name+" query timed out", err)}
	}
	if pgconn.SafeToRetry(err) || isNetwork(err) {
		return Classified{Err: medcperrors.Wrap(medcperrors.Connection, name+" connection lost", err), Transient: true}
	}

	return Classified{Err: medcperrors.NewQueryExecution(name+" query failed", "", err)}
}

func classifyPostgres(name string, pgErr *pgconn.PgError, err error) Classified {
	code := pgErr.Code
	switch {
	case code == "57014":
		return Classified{Err: medcperrors.Wrap(medcperrors.Timeout, name+" query exceeded the statement timeout", err)}
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03":
		return Classified{Err: medcperrors.Wrap(medcperrors.Connection, name+" connection lost", err), Transient: true}
	case code == "28000", code == "28P01":
		return Classified{Err: medcperrors.Wrap(medcperrors.Credential, name+" rejected the credentials", err)}
	case code == "3D000":
		return Classified{Err: medcperrors.Wrap(medcperrors.Configuration, name+" database does not exist", err)}
	case code == "40001", code == "40P01":
		return Classified{Err: medcperrors.NewQueryExecution(name+" query conflicted with a concurrent transaction", code, err), Transient: true}
	case code == "42501":
		return Classified{Err: medcperrors.NewQueryExecution(name+" denied access to a queried object", code, err)}
	case code == "3F000", code == "42P01":
		return Classified{Err: medcperrors.NewQueryExecution(name+" is missing a queried table or schema", code, err)}
	}
	return Classified{Err: medcperrors.NewQueryExecution(name+" query failed", code, err)}
}

func classifyNeo4j(name string, neoErr *neo4j.Neo4jError, err error) Classified {
	code := neoErr.Code
	switch {
	case code == apocMissing:
		return Classified{Err: medcperrors.NewQueryExecution(
			name+" is missing the APOC procedures; install the APOC plugin to read the schema", code, err)}
	case strings.Contains(code, "Security.Unauthorized"), strings.Contains(code, "Security.AuthenticationRateLimit"):
		return Classified{Err: medcperrors.Wrap(medcperrors.Credential, name+" rejected the credentials", err)}
	case strings.Contains(code, "Database.DatabaseNotFound"):
		return Classified{Err: medcperrors.Wrap(medcperrors.Configuration, name+" database does not exist", err)}
	case strings.Contains(code, "TransactionTimedOut"):
		return Classified{Err: medcperrors.Wrap(medcperrors.Timeout, name+" query exceeded the transaction timeout", err)}
	case strings.Contains(code, ".Security."):
		return Classified{Err: medcperrors.NewQueryExecution(name+" denied access to the query", code, err)}
	case strings.Contains(code, ".TransientError."):
		return Classified{Err: medcperrors.NewQueryExecution(name+" reported a transient failure", code, err), Transient: true}
	}
	return Classified{Err: medcperrors.NewQueryExecution(name+" query failed", code, err)}
}

func isNetwork(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
