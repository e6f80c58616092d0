package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/attestor"
	"shieldpool/internal/fault"
	"shieldpool/internal/pool"
	"shieldpool/internal/prover"
	"shieldpool/internal/verifier"
	"shieldpool/internal/verifier/verifiertest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// serve starts n behind an httptest server and returns its base URL.
func serve(t *testing.T, n *Node) string {
	t.Helper()
	r := gin.New()
	n.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSendMessageRoundTrip(t *testing.T) {
	server := NewNode("server", nil, time.Second, zerolog.Nop())
	server.RegisterHandler("echo", func(ctx context.Context, msg Message) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(msg.Payload, &in); err != nil {
			return nil, err
		}
		in["from"] = msg.SenderID
		return in, nil
	})
	url := serve(t, server)

	client := NewNode("client", map[string]string{"server": url}, time.Second, zerolog.Nop())
	var out map[string]string
	err := client.SendMessage(context.Background(), "server", "echo", map[string]string{"hello": "pool"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "pool", out["hello"])
	assert.Equal(t, "client", out["from"])
}

func TestErrorsKeepTheirKind(t *testing.T) {
	server := NewNode("server", nil, time.Second, zerolog.Nop())
	server.RegisterHandler("fail", func(ctx context.Context, msg Message) (any, error) {
		return nil, fault.ErrKeyRevoked
	})
	url := serve(t, server)
	client := NewNode("client", map[string]string{"server": url}, time.Second, zerolog.Nop())

	err := client.SendMessage(context.Background(), "server", "fail", struct{}{}, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindVerificationFailure))
	assert.Contains(t, err.Error(), "revoked")

	err = client.SendMessage(context.Background(), "server", "nope", struct{}{}, nil)
	assert.True(t, fault.Is(err, fault.KindNotFound))

	err = client.SendMessage(context.Background(), "missing", TypePing, struct{}{}, nil)
	assert.ErrorIs(t, err, fault.ErrRecordNotFound)
}

func TestHealthCheck(t *testing.T) {
	up := NewNode("up", nil, time.Second, zerolog.Nop())
	url := serve(t, up)

	down := httptest.NewServer(gin.New())
	downURL := down.URL
	down.Close()

	n := NewNode("me", map[string]string{"up": url, "down": downURL}, time.Second, zerolog.Nop())
	res := n.HealthCheck(context.Background())
	assert.Equal(t, map[string]bool{"up": true, "down": false}, res)
	assert.True(t, n.Healthy("up"))
	assert.False(t, n.Healthy("down"))
}

func TestRemoteAttestation(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	svc, err := attestor.New(attestor.Options{Key: priv, Log: zerolog.Nop()})
	require.NoError(t, err)

	server := NewNode("attestor", nil, 5*time.Second, zerolog.Nop())
	ServeAttestor(server, svc)
	url := serve(t, server)

	client := &AttestorClient{
		Node:     NewNode("pool", map[string]string{"attestor": url}, 5*time.Second, zerolog.Nop()),
		TargetID: "attestor",
	}

	fx := verifiertest.NewFixture(1)
	rec := fx.Record("shield", "admin")
	pi := verifier.EncodePublicInputs(big.NewInt(7))
	p := verifier.Payload{Proof: fx.Prove(pi), PublicInputs: pi}

	raw, err := client.Attest(context.Background(), p, rec)
	require.NoError(t, err)
	assert.Len(t, raw, verifier.AttestationSize)

	strategy := verifier.NewAttestationStrategy(svc.PublicKey())
	p.Attestation = raw
	ok, err := strategy.Verify(p, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	rec.Revoked = true
	_, err = client.Attest(context.Background(), verifier.Payload{Proof: p.Proof, PublicInputs: pi}, rec)
	assert.True(t, fault.Is(err, fault.KindVerificationFailure))
}

func TestRemoteProver(t *testing.T) {
	p, err := prover.New(t.TempDir(), nil, zerolog.Nop())
	require.NoError(t, err)
	server := NewNode("prover", nil, time.Minute, zerolog.Nop())
	ServeProver(server, p)
	url := serve(t, server)
	client := &ProverClient{
		Node:     NewNode("wallet", map[string]string{"prover": url}, time.Minute, zerolog.Nop()),
		TargetID: "prover",
	}

	alice, err := prover.NewSpendingKey()
	require.NoError(t, err)
	shield, err := client.Prove(context.Background(), ProveRequest{
		Kind: pool.Shield, Amount: 40, OwnerKey: PublicKeyBytes(alice),
	})
	require.NoError(t, err)
	require.NotNil(t, shield.Note)
	assert.Equal(t, pool.ExpectedPublicInputs(pool.Shield, shield.Fields), []byte(shield.PublicInputs))

	note, err := shield.Note.Note()
	require.NoError(t, err)
	assert.Equal(t, pool.Hash(prover.Bytes32(note.Commitment())), shield.Fields.Commitment)

	unshield, err := client.Prove(context.Background(), ProveRequest{
		Kind: pool.Unshield, Note: shield.Note, SpendingKey: SpendingKeyBytes(alice),
		Root: pool.Hash{9}, Recipient: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(40), unshield.Fields.Amount)

	rec, err := p.KeyRecord(pool.Unshield, 1, "admin")
	require.NoError(t, err)
	g, err := verifier.NewGroth16Strategy(2)
	require.NoError(t, err)
	ok, err := g.Verify(unshield.Payload(), rec)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = client.Prove(context.Background(), ProveRequest{Kind: pool.Unshield})
	assert.True(t, fault.Is(err, fault.KindInvalidInput))
}
