// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"fmt"
	"strings"

	medcperrors "medcp/cli/internal/errors"

	"github.com/pterm/pterm"
)

// hints tells the user what to do about each error kind.
var hints = map[medcperrors.Kind]string{
	medcperrors.UnknownTool:      "Run 'medcp tools' to list the available tools",
	medcperrors.InvalidParameter: "Fix the named parameter and call the tool again",
	medcperrors.Configuration:    "Check the backend settings with 'medcp backends'",
	medcperrors.Credential:       "Store the backend password with 'medcp connect'",
	medcperrors.Connection:       "Check that the backend is running and reachable from this machine",
	medcperrors.Timeout:          "Narrow the query (smaller limit, tighter dates) or raise MEDCP_QUERY_TIMEOUT",
	medcperrors.QueryExecution:   "The backend rejected the query; check its logs for the reported code",
	medcperrors.ResultTooLarge:   "Lower the limit or page with offset",
}

// Hint returns the remediation hint for an error kind.
func Hint(kind medcperrors.Kind) string {
	return hints[kind]
}

// PresentError formats an error for user display with masking.
func PresentError(context string, err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", context, Mask(err.Error()))
}

// FormatToolError renders an engine error for the terminal: a title, the
// masked message and the remediation hint for its kind.
func FormatToolError(err error) string {
	if err == nil {
		return ""
	}

	kind := medcperrors.KindOf(err)

	var builder strings.Builder
	builder.WriteString(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Tool call failed"))
	builder.WriteString(" ")
	builder.WriteString(pterm.NewStyle(pterm.FgGray).Sprint("(" + string(kind) + ")"))
	builder.WriteString("\n\n")
	builder.WriteString(Mask(err.Error()))
	builder.WriteString("\n")

	if hint := Hint(kind); hint != "" {
		builder.WriteString("\n")
		builder.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ " + hint))
		builder.WriteString("\n")
	}

	return builder.String()
}

// Cause returns the masked text of the backend error behind err, for debug logs only.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := medcperrors.As(err); ok && e.Err != nil {
		return Mask(e.Err.Error())
	}
	return Mask(err.Error())
}
