// poold runs a shielded value pool.
//
// Usage:
//
//	poold setup              generate circuit keys and register them with the pool
//	poold serve              serve the HTTP API (and prover/attestor peers when enabled)
//	poold demo               run shield, transfer and unshield end to end in memory
//	poold keys list|register|revoke
//	poold state              print the pool state
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shieldpool/internal/config"
)

const version = "0.3.0"

type rootFlags struct {
	configPath string
	logLevel   string
	dataDir    string
}

// load reads the config file and applies flag overrides.
func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.dataDir != "" {
		cfg.Store.DataDir = f.dataDir
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "poold",
		Short:         "Shielded value pool daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "poold.json", "configuration file (created with defaults when missing)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "override store.data_dir")

	root.AddCommand(
		newSetupCmd(flags),
		newServeCmd(flags),
		newDemoCmd(flags),
		newKeysCmd(flags),
		newStateCmd(flags),
	)
	return root
}

func newStateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the pool state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cfg.Log.Console = false
			rt, err := openRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printJSON(cmd, rt.engine.State())
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "poold:", err)
		os.Exit(1)
	}
}
