// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"
	"strings"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/config"
	"medcp/cli/internal/keychain"
	"medcp/cli/internal/logging"
	"medcp/cli/internal/vault"

	"github.com/spf13/cobra"
)

// forgetCmd removes stored backend passwords from the OS keychain.
var forgetCmd = &cobra.Command{
	Use:   "forget [knowledge-graph|clinical-records]",
	Short: "Remove stored backend passwords",
	Long: `The forget command removes backend passwords from the OS keychain. With no
argument every stored MedCP password is removed. Passwords supplied through
environment variables are not affected.`,
	Args: cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		km, err := keychain.NewManager()
		if err != nil {
			fmt.Println("❌ " + logging.PresentError("secure storage is not available", err))
			return errReported
		}

		if len(args) == 0 {
			if err := km.ClearAll(); err != nil {
				return err
			}
			fmt.Println("✅ All stored backend passwords have been removed")
			return nil
		}

		kind, err := parseBackend(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ref := defaultKey(kind)
		if d, err := vault.New(cfg, km).Describe(kind); err == nil {
			ref = d.SecretRef
		}
		if name, ok := strings.CutPrefix(ref, config.EnvSecretPrefix); ok {
			fmt.Printf("⚠️  The %s password comes from the %s environment variable; nothing to remove.\n", kind.DisplayName(), name)
			return nil
		}
		if err := km.Delete(ref); err != nil {
			return err
		}
		fmt.Printf("✅ The %s password has been removed\n", kind.DisplayName())
		return nil
	},
}

func defaultKey(kind backend.Kind) string {
	if kind == backend.Graph {
		return keychain.KeyKnowledgeGraphPassword
	}
	return keychain.KeyClinicalRecordsPassword
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}
