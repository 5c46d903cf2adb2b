// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package backend

import (
	"github.com/rs/zerolog"
)

// New returns the production connectors keyed by kind.
// Tests substitute their own Connector implementations.
func New(log zerolog.Logger) map[Kind]Connector {
	return map[Kind]Connector{
		Graph:      NewNeo4jConnector(log),
		Relational: NewPostgresConnector(log),
	}
}
