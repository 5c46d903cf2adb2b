// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"medcp/cli/internal/dispatch"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/logging"
	"medcp/cli/internal/mcpserver"
	"medcp/cli/internal/normalize"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	queryParams string
	queryJSON   bool
)

// queryCmd runs one tool call through the same dispatcher the MCP server uses.
var queryCmd = &cobra.Command{
	Use:   "query <tool>",
	Short: "Run one tool call and print the result",
	Long: `The query command invokes a single tool with parameters given as a JSON object
and prints the normalized result as a table, or as JSON with --json.

Example:
  medcp query find_treatments --params '{"disease": "type 2 diabetes", "limit": 10}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := decodeParams(queryParams)
		if err != nil {
			return err
		}

		a, _, err := newRuntime()
		if err != nil {
			return err
		}
		defer a.Close()

		stopSpinner := func() {}
		if !queryJSON {
			stopSpinner = startSpinner("running " + args[0])
		}
		res, err := a.Dispatcher.Invoke(cmd.Context(), dispatch.ToolCall{Name: args[0], Params: params})
		stopSpinner()

		if err != nil {
			if queryJSON {
				_ = printJSON(mcpserver.Payload(err))
			} else {
				fmt.Fprint(os.Stderr, logging.FormatToolError(err))
			}
			return errReported
		}

		if queryJSON {
			return printJSON(res)
		}
		return renderResult(res)
	},
}

// decodeParams parses the --params object, keeping numbers exact.
func decodeParams(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, medcperrors.NewInvalidParameter("params", "must be a JSON object")
	}
	return params, nil
}

func renderResult(res *normalize.Result) error {
	if res.RowCount == 0 {
		pterm.Info.Printfln("%s returned no rows (%s)", res.Tool, time.Duration(res.LatencyMS)*time.Millisecond)
		return nil
	}

	data := pterm.TableData{res.Fields}
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, f := range row {
			cells[i] = formatCell(f.Value)
		}
		data = append(data, cells)
	}
	if err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Render(); err != nil {
		return err
	}

	summary := fmt.Sprintf("%d rows from the %s in %dms", res.RowCount, res.Backend.DisplayName(), res.LatencyMS)
	if res.TotalCount != nil {
		summary += fmt.Sprintf(" (%d total)", *res.TotalCount)
	}
	pterm.Println(pterm.Gray(summary))
	if res.Truncated {
		next := res.Offset + res.RowCount
		if res.NextOffset != nil {
			next = *res.NextOffset
		}
		pterm.Warning.Printfln("More rows are available; rerun with \"offset\": %d", next)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryParams, "params", "p", "", "Tool parameters as a JSON object")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print the result as JSON")
}
