// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/config"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/keychain"
	"medcp/cli/internal/logging"
	"medcp/cli/internal/pool"
	"medcp/cli/internal/terminal"
	"medcp/cli/internal/vault"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	connectNoVerify bool
	connectTimeout  time.Duration

	connectURI      string
	connectHost     string
	connectPort     int
	connectDatabase string
	connectUsername string
	connectSchema   string
)

// connectCmd stores the password of one backend in the OS keychain after
// verifying that the backend accepts it.
var connectCmd = &cobra.Command{
	Use:   "connect <knowledge-graph|clinical-records>",
	Short: "Verify and store a backend password in the OS keychain",
	Long: `The connect command prompts for the password of a configured backend, opens a
connection with it to make sure it is accepted, and stores it in the OS keychain
under the backend's secret_ref. Host, database and username come from the
configuration file or environment; only the password is prompted for.

Connection settings given as flags are verified together with the password and
then written to the config file.

Example:
  medcp connect clinical-records --host db.internal --database omop --username reader`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseBackend(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		changes := applyConnectFlags(cmd, cfg, kind)

		d, err := vault.New(cfg, nil).Describe(kind)
		if err != nil {
			fmt.Println("❌ " + err.Error())
			fmt.Println("   Set the connection settings in the config file or environment first.")
			return errReported
		}
		if name, ok := strings.CutPrefix(d.SecretRef, config.EnvSecretPrefix); ok {
			fmt.Printf("⚠️  The %s password is read from the %s environment variable.\n", kind.DisplayName(), name)
			fmt.Println("   Unset it (or set secret_ref) to keep the password in the OS keychain instead.")
			return nil
		}

		secret, err := promptSecret(fmt.Sprintf("Enter %s password for %s@%s: ", kind.DisplayName(), d.Username, d.Address()))
		if err != nil {
			return err
		}
		if secret == "" {
			return errors.New("password is required")
		}

		if !connectNoVerify {
			stop := startSpinner("verifying connection to the " + kind.DisplayName())
			err := verify(cmd.Context(), cfg, log, kind, d.SecretRef, secret)
			stop()
			if err != nil {
				fmt.Println("❌ Connection failed: " + logging.MaskSecret(logging.Mask(err.Error()), secret))
				if hint := logging.Hint(medcperrors.KindOf(err)); hint != "" {
					fmt.Println("   " + hint)
				}
				return errReported
			}
		}

		km, err := keychain.NewManager()
		if err != nil {
			fmt.Println("❌ Secure storage is not available on this system.")
			fmt.Println("   Connection verified but not saved.")
			return err
		}
		if err := vault.New(cfg, km).SetSecret(d.SecretRef, secret); err != nil {
			fmt.Println("❌ Failed to save the password securely.")
			return err
		}

		if len(changes) > 0 {
			if err := saveConfig(changes); err != nil {
				fmt.Println("❌ Password saved, but the connection settings could not be written.")
				return err
			}
		}

		fmt.Printf("✅ %s password verified and saved!\n", kind.DisplayName())
		fmt.Println("   You're ready to run 'medcp serve'")
		return nil
	},
}

// applyConnectFlags copies connection flags into cfg and returns them keyed
// by config path, ready to be merged into the config file.
func applyConnectFlags(cmd *cobra.Command, cfg *config.Config, kind backend.Kind) map[string]any {
	flags := cmd.Flags()
	changes := make(map[string]any)
	set := func(name, key string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
			changes[key] = v
		}
	}

	if kind == backend.Graph {
		set("uri", "knowledge_graph.uri", &cfg.KnowledgeGraph.URI, connectURI)
		set("database", "knowledge_graph.database", &cfg.KnowledgeGraph.Database, connectDatabase)
		set("username", "knowledge_graph.username", &cfg.KnowledgeGraph.Username, connectUsername)
		return changes
	}

	set("host", "clinical_records.host", &cfg.ClinicalRecords.Host, connectHost)
	set("database", "clinical_records.database", &cfg.ClinicalRecords.Database, connectDatabase)
	set("username", "clinical_records.username", &cfg.ClinicalRecords.Username, connectUsername)
	set("schema", "clinical_records.schema", &cfg.ClinicalRecords.Schema, connectSchema)
	if flags.Changed("port") {
		cfg.ClinicalRecords.Port = connectPort
		changes["clinical_records.port"] = connectPort
	}
	return changes
}

// saveConfig merges changes into --config when given, else into the default
// config file. Settings that came from the environment are never written.
func saveConfig(changes map[string]any) error {
	if configFile != "" {
		return config.Update(configFile, changes)
	}
	return config.UpdateDefault(changes)
}

// promptSecret reads a password without echo when stdin is a terminal and
// from a plain line otherwise, so it can be piped in scripts.
func promptSecret(prompt string) (string, error) {
	if !terminal.IsInteractive(os.Stdin) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	// Clear the prompt from terminal
	terminal.ClearPreviousLines(len(prompt))
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// verify connects once with the candidate secret held in a throwaway
// in-memory store, so nothing is persisted before the backend accepts it.
func verify(ctx context.Context, cfg *config.Config, log zerolog.Logger, kind backend.Kind, ref, secret string) error {
	mem := keychain.NewManagerWithRing(keyring.NewArrayKeyring(nil))
	if err := mem.Set(ref, secret); err != nil {
		return err
	}

	pm := pool.New(log, vault.New(cfg, mem), backend.New(log), pool.Options{
		HealthCheckTimeout: connectTimeout,
		ReconnectAttempts:  1,
		ConnectTimeout:     connectTimeout,
	})
	defer pm.Close(context.Background())

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return pm.Check(ctx, kind)
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().BoolVar(&connectNoVerify, "no-verify", false, "Store the password without testing the connection")
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 10*time.Second, "Connection verification timeout")
	connectCmd.Flags().StringVar(&connectURI, "uri", "", "Knowledge graph URI (bolt:// or neo4j://)")
	connectCmd.Flags().StringVar(&connectHost, "host", "", "Clinical records host")
	connectCmd.Flags().IntVar(&connectPort, "port", 5432, "Clinical records port")
	connectCmd.Flags().StringVar(&connectDatabase, "database", "", "Database name")
	connectCmd.Flags().StringVar(&connectUsername, "username", "", "Database user")
	connectCmd.Flags().StringVar(&connectSchema, "schema", "", "Clinical records schema (OMOP CDM namespace)")
}
