// demo.go - End-to-end scenario with N participants.
//
// Every participant shields a note. Participant 1 then transfers its note to
// participant 2, who unshields the note it shielded itself, and the last
// participant shields two notes in one batch. Proofs are real BN254 Groth16
// proofs, produced locally or by a prover peer (--remote).
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shieldpool/internal/attestor"
	"shieldpool/internal/config"
	"shieldpool/internal/pool"
	"shieldpool/internal/prover"
	"shieldpool/internal/remote"
	"shieldpool/internal/verifier"
)

type demoFlags struct {
	participants int
	attest       bool
	remote       bool
}

type participant struct {
	name string
	key  *prover.SpendingKey
	note *remote.NoteJSON
}

type demo struct {
	rt       *runtime
	prover   remote.Prover
	attestor remote.Attestor
	keys     map[pool.Kind]*verifier.KeyRecord
}

func newDemoCmd(flags *rootFlags) *cobra.Command {
	df := &demoFlags{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run shield, transfer, unshield and a batch against an in-memory pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if df.participants < 2 {
				return fmt.Errorf("need at least 2 participants")
			}
			return runDemo(cmd, cfg, df)
		},
	}
	cmd.Flags().IntVarP(&df.participants, "participants", "n", 3, "number of participants")
	cmd.Flags().BoolVar(&df.attest, "attest", false, "verify through signed attestations instead of pairings")
	cmd.Flags().BoolVar(&df.remote, "remote", false, "use the configured prover and attestor peers (they must share key_dir)")
	return cmd
}

func runDemo(cmd *cobra.Command, cfg *config.Config, df *demoFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg.Store.InMemory = true
	cfg.CustodyPath = ""
	cfg.Pool.MinIntervals = map[string]config.Duration{}

	d := &demo{keys: make(map[pool.Kind]*verifier.KeyRecord)}
	var local attestor.Options
	if df.attest {
		if df.remote {
			if cfg.Verifier.AttestorPublicKey == "" {
				return fmt.Errorf("--remote --attest needs verifier.attestor_public_key")
			}
		} else {
			key, _, err := ensureAttestorKey(cfg.Attestor.KeyFile)
			if err != nil {
				return err
			}
			local.Key = key
			cfg.Verifier.AttestorPublicKey = hex.EncodeToString(key.Public().(ed25519.PublicKey))
		}
		cfg.Verifier.Mode = verifier.ModeAttestation
	}

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	d.rt = rt
	log := rt.logs.App

	p, err := prover.New(cfg.KeyDir, rt.metrics, log)
	if err != nil {
		return err
	}
	if err := installKeys(ctx, rt, p, 1, pool.Kinds); err != nil {
		return err
	}
	for _, k := range pool.Kinds {
		if d.keys[k], err = p.KeyRecord(k, 1, cfg.Pool.Authority); err != nil {
			return err
		}
	}

	d.prover = remote.LocalProver{P: p}
	if df.remote {
		node := remote.NewNode(cfg.Node.ID, cfg.Node.Peers, time.Duration(cfg.Node.Timeout), log)
		if cfg.Node.ProverPeer != "" {
			d.prover = &remote.ProverClient{Node: node, TargetID: cfg.Node.ProverPeer}
		}
		if df.attest {
			if cfg.Node.AttestorPeer == "" {
				return fmt.Errorf("--remote --attest needs node.attestor_peer")
			}
			d.attestor = &remote.AttestorClient{Node: node, TargetID: cfg.Node.AttestorPeer}
		}
	}
	if df.attest && d.attestor == nil {
		local.Metrics = rt.metrics
		local.Log = log
		svc, err := attestor.New(local)
		if err != nil {
			return err
		}
		d.attestor = remote.LocalAttestor{S: svc}
	}

	people := make([]*participant, df.participants)
	for i := range people {
		key, err := prover.NewSpendingKey()
		if err != nil {
			return err
		}
		people[i] = &participant{name: fmt.Sprintf("participant-%d", i+1), key: key}
		if err := rt.custody.Credit(people[i].name, 1_000); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "=== Shield phase: %d participants ===\n", len(people))
	for i, pt := range people {
		resp, err := d.prover.Prove(ctx, remote.ProveRequest{
			Kind: pool.Shield, Amount: uint64(10 * (i + 1)), OwnerKey: remote.PublicKeyBytes(pt.key),
		})
		if err != nil {
			return fmt.Errorf("%s shield proof: %w", pt.name, err)
		}
		id, err := d.submit(ctx, pt.name, resp)
		if err != nil {
			return err
		}
		if err := rt.engine.Execute(ctx, pt.name, id); err != nil {
			return fmt.Errorf("%s shield: %w", pt.name, err)
		}
		pt.note = resp.Note
		fmt.Fprintf(out, "%s shielded %d as %s\n", pt.name, resp.Fields.Amount, resp.Fields.Commitment)
	}

	from, to := people[0], people[1]
	fmt.Fprintln(out, "=== Transfer phase ===")
	root := rt.engine.State().Root
	transfer, err := d.prover.Prove(ctx, remote.ProveRequest{
		Kind: pool.Transfer, Note: from.note, SpendingKey: remote.SpendingKeyBytes(from.key),
		OwnerKey: remote.PublicKeyBytes(to.key), Root: root,
	})
	if err != nil {
		return fmt.Errorf("transfer proof: %w", err)
	}
	if err := d.run(ctx, from.name, transfer); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s transferred %d to %s (nullifier %s)\n", from.name, transfer.Fields.Amount, to.name, transfer.Fields.Nullifier)

	fmt.Fprintln(out, "=== Unshield phase ===")
	unshield, err := d.prover.Prove(ctx, remote.ProveRequest{
		Kind: pool.Unshield, Note: to.note, SpendingKey: remote.SpendingKeyBytes(to.key),
		Root: rt.engine.State().Root, Recipient: to.name,
	})
	if err != nil {
		return fmt.Errorf("unshield proof: %w", err)
	}
	if err := d.run(ctx, to.name, unshield); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s unshielded %d\n", to.name, unshield.Fields.Amount)

	last := people[len(people)-1]
	fmt.Fprintf(out, "=== Batch phase: %s ===\n", last.name)
	var ids []pool.ID
	for _, amount := range []uint64{5, 7} {
		resp, err := d.prover.Prove(ctx, remote.ProveRequest{Kind: pool.Shield, Amount: amount, OwnerKey: remote.PublicKeyBytes(last.key)})
		if err != nil {
			return err
		}
		id, err := d.submit(ctx, last.name, resp)
		if err != nil {
			return err
		}
		if err := rt.engine.Verify(ctx, last.name, id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rt.engine.ApplyBatch(ctx, last.name, ids); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	for _, id := range ids {
		if err := rt.engine.Finalize(ctx, last.name, id); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "%s applied %d shields in one batch\n", last.name, len(ids))

	fmt.Fprintln(out, "=== Custody balances ===")
	for _, pt := range people {
		fmt.Fprintf(out, "%s: %d\n", pt.name, rt.custody.ledger.Balance(pt.name))
	}
	fmt.Fprintf(out, "escrow: %d\n", rt.custody.ledger.Escrow())
	fmt.Fprintln(out, "=== Pool state ===")
	return printJSON(cmd, rt.engine.State())
}

// submit prepares resp for owner and attaches its payload, with an
// attestation when the pool verifies through one.
func (d *demo) submit(ctx context.Context, owner string, resp *remote.ProveResponse) (pool.ID, error) {
	id, err := d.rt.engine.Prepare(ctx, owner, resp.Kind, resp.Fields)
	if err != nil {
		return id, fmt.Errorf("prepare %s: %w", resp.Kind, err)
	}
	payload := resp.Payload()
	if d.attestor != nil {
		if payload.Attestation, err = d.attestor.Attest(ctx, payload, d.keys[resp.Kind]); err != nil {
			return id, fmt.Errorf("attest %s: %w", resp.Kind, err)
		}
	}
	if err := d.rt.engine.AttachPayload(ctx, owner, id, payload); err != nil {
		return id, fmt.Errorf("attach %s: %w", resp.Kind, err)
	}
	return id, nil
}

func (d *demo) run(ctx context.Context, owner string, resp *remote.ProveResponse) error {
	id, err := d.submit(ctx, owner, resp)
	if err != nil {
		return err
	}
	if err := d.rt.engine.Execute(ctx, owner, id); err != nil {
		return fmt.Errorf("%s %s: %w", owner, resp.Kind, err)
	}
	return nil
}
