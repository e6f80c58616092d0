// keys.go - Circuit key setup and verifying-key administration
package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"shieldpool/internal/fault"
	"shieldpool/internal/pool"
	"shieldpool/internal/prover"
	"shieldpool/internal/verifier"
)

// installKeys registers the prover's verifying keys under version and makes
// them active. Keys that are already registered are only activated.
func installKeys(ctx context.Context, rt *runtime, p *prover.Prover, version uint32, kinds []pool.Kind) error {
	authority := rt.cfg.Pool.Authority
	for _, k := range kinds {
		rec, err := p.KeyRecord(k, version, authority)
		if err != nil {
			return err
		}
		switch err := rt.engine.RegisterKey(ctx, rec, authority); {
		case errors.Is(err, fault.ErrKeyExists):
			rt.logs.App.Info().Str("key", rec.Ref().String()).Msg("key already registered")
		case err != nil:
			return fmt.Errorf("register %s: %w", rec.Ref(), err)
		}
		if err := rt.engine.ActivateKey(ctx, k, rec.Ref(), authority); err != nil {
			return fmt.Errorf("activate %s: %w", rec.Ref(), err)
		}
		rt.logs.App.Info().Str("kind", k.String()).Str("key", rec.Ref().String()).Msg("key active")
	}
	return nil
}

func newSetupCmd(flags *rootFlags) *cobra.Command {
	var keyVersion uint32
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Generate circuit keys and register them with the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.Attestor.Enabled {
				key, created, err := ensureAttestorKey(cfg.Attestor.KeyFile)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "attestor public key: %x\n", key.Public())
				}
			}
			rt, err := openRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := prover.New(cfg.KeyDir, rt.metrics, rt.logs.App)
			if err != nil {
				return err
			}
			return installKeys(cmd.Context(), rt, p, keyVersion, pool.Kinds)
		},
	}
	cmd.Flags().Uint32Var(&keyVersion, "key-version", 1, "version to register the verifying keys under")
	return cmd
}

func newKeysCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage verifying keys"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered verifying keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			active := rt.engine.State().ActiveKeys
			for _, rec := range rt.engine.Keys() {
				marker := ""
				for kind, ref := range active {
					if ref == rec.Ref() {
						marker = " active:" + kind
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s revoked=%t hash=%x%s\n", rec.Ref(), rec.Revoked, rec.Hash(), marker)
			}
			return nil
		},
	})

	var (
		kindName   string
		keyVersion uint32
	)
	register := &cobra.Command{
		Use:   "register",
		Short: "Register and activate the key of one circuit from the key directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := pool.ParseKind(kindName)
			if err != nil {
				return err
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			p, err := prover.New(cfg.KeyDir, rt.metrics, rt.logs.App)
			if err != nil {
				return err
			}
			return installKeys(cmd.Context(), rt, p, keyVersion, []pool.Kind{kind})
		},
	}
	register.Flags().StringVar(&kindName, "kind", "", "operation kind (shield, unshield, transfer)")
	register.Flags().Uint32Var(&keyVersion, "key-version", 1, "key version")
	_ = register.MarkFlagRequired("kind")
	cmd.AddCommand(register)

	var (
		tag       string
		revokeVer uint32
	)
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a verifying key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			ref := verifier.KeyRef{CircuitTag: tag, Version: revokeVer}
			if err := rt.engine.RevokeKey(cmd.Context(), ref, cfg.Pool.Authority); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", ref)
			return nil
		},
	}
	revoke.Flags().StringVar(&tag, "tag", "", "circuit tag")
	revoke.Flags().Uint32Var(&revokeVer, "key-version", 1, "key version")
	_ = revoke.MarkFlagRequired("tag")
	cmd.AddCommand(revoke)

	return cmd
}
