// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"
	"strings"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/config"
	"medcp/cli/internal/vault"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// backendsCmd displays the connection settings of each backend.
// Passwords are never shown; only whether one can be resolved.
var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Show configured backends and credential status",
	Long: `The backends command displays the connection settings of the knowledge graph
and the clinical records store, and whether a password can be resolved for each.
Passwords are never printed.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		v := vault.New(cfg, openStore(log))

		for _, kind := range backend.Kinds {
			title := pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint(titleCase(kind.DisplayName()))
			d, err := v.Describe(kind)
			if err != nil {
				pterm.DefaultBox.WithTitle(title).WithPadding(1).Println(pterm.Gray("not configured"))
				pterm.Println()
				continue
			}
			pterm.DefaultBox.WithTitle(title).WithPadding(1).Println(describe(v, d))
			pterm.Println()
		}

		pterm.Println("To store a password, run: medcp connect <knowledge-graph|clinical-records>")
		pterm.Println()
		return nil
	},
}

func describe(v *vault.Vault, d backend.Descriptor) string {
	lines := []string{
		"Address:  " + d.Address(),
		"Database: " + orDash(d.Database),
		"Username: " + orDash(d.Username),
	}
	if d.Kind == backend.Relational {
		lines = append(lines,
			"Schema:   "+orDash(d.Schema),
			"SSL mode: "+orDash(d.SSLMode),
		)
	}

	source := "OS keychain (" + d.SecretRef + ")"
	if name, ok := strings.CutPrefix(d.SecretRef, config.EnvSecretPrefix); ok {
		source = "environment variable " + name
	}
	status := pterm.Green("available")
	if _, err := v.GetSecret(d.SecretRef); err != nil {
		status = pterm.Red("missing")
	}
	lines = append(lines, fmt.Sprintf("Password: %s from %s", status, source))
	return strings.Join(lines, "\n")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}
