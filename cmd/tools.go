// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"strconv"
	"strings"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/catalog"
	"medcp/cli/internal/config"
	"medcp/cli/internal/dispatch"
	"medcp/cli/internal/query"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var toolsJSON bool

// toolInfo is the --json form of one registry entry.
type toolInfo struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Backend     string   `json:"backend"`
	Configured  bool     `json:"configured"`
	Parameters  []string `json:"parameters"`
	Ceiling     int      `json:"ceiling"`
	Paginated   bool     `json:"paginated"`
	Description string   `json:"description"`
}

// toolsCmd lists the tool registry. It does not need any backend to be configured.
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the available tools",
	Long: `The tools command lists every tool in the registry with its backend, parameters
(required ones marked with *) and row ceiling. Tools of backends that are not
configured are listed but not exposed to MCP clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := catalog.Default()
		if err != nil {
			return err
		}
		reg, err := dispatch.NewRegistry(cat, cfg.ToolPrefix(), query.NewBuilders(cfg.ClinicalRecords.Schema))
		if err != nil {
			return err
		}

		infos := describeTools(cfg, reg.Tools())
		if toolsJSON {
			return printJSON(infos)
		}

		data := pterm.TableData{{"Tool", "Backend", "Parameters", "Ceiling"}}
		for _, ti := range infos {
			be := ti.Backend
			if !ti.Configured {
				be = pterm.Gray(be + " (not configured)")
			}
			data = append(data, []string{ti.Name, be, strings.Join(ti.Parameters, ", "), strconv.Itoa(ti.Ceiling)})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		pterm.Println()
		pterm.Println("Run a tool with: medcp query <tool> --params '{...}'")
		return nil
	},
}

func describeTools(cfg *config.Config, tools []dispatch.Tool) []toolInfo {
	out := make([]toolInfo, 0, len(tools))
	for _, tool := range tools {
		t := tool.Template
		params := make([]string, 0, len(t.Params)+2)
		for _, p := range t.Params {
			name := p.Name
			if p.Required && p.Default == nil {
				name += "*"
			}
			params = append(params, name)
		}
		if t.Paginated {
			params = append(params, catalog.ParamLimit, catalog.ParamOffset)
		}
		out = append(out, toolInfo{
			Name:        tool.Name,
			Title:       t.Title,
			Backend:     t.Backend.DisplayName(),
			Configured:  backendConfigured(cfg, t.Backend),
			Parameters:  params,
			Ceiling:     t.EffectiveCeiling(cfg.Engine.MaxRows),
			Paginated:   t.Paginated,
			Description: t.Description,
		})
	}
	return out
}

func backendConfigured(cfg *config.Config, kind backend.Kind) bool {
	if kind == backend.Graph {
		return cfg.KnowledgeGraph.Configured()
	}
	return cfg.ClinicalRecords.Configured()
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "Print the registry as JSON")
}
