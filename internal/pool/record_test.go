package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/fault"
	"shieldpool/internal/verifier"
)

func TestVaultRecordRoundTrip(t *testing.T) {
	v := newVault("alice")
	shield := Fields{Amount: 5, Commitment: commitment(1)}
	unshield := Fields{Amount: 3, Nullifier: nf(1), Root: commitment(7), Recipient: "bob"}
	v.put(&Operation{ID: OperationID(Shield, shield), Kind: Shield, Status: Pending, Fields: shield, CreatedAt: 10, UpdatedAt: 10})
	v.put(&Operation{
		ID: OperationID(Unshield, unshield), Kind: Unshield, Status: Verified, Fields: unshield,
		Payload:   verifier.Payload{Proof: []byte{1, 2, 3}, PublicInputs: make([]byte, 64), Attestation: []byte{9}},
		CreatedAt: 11, UpdatedAt: 12,
	})

	rec, err := v.MarshalBinary()
	require.NoError(t, err)
	got, err := DecodeVault(rec)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, v.List(), got.List())

	_, err = DecodeVault(rec[:len(rec)-1])
	assert.ErrorIs(t, err, fault.ErrCorruptRecord)
	_, err = DecodeVault(append(rec, 0))
	assert.ErrorIs(t, err, fault.ErrCorruptRecord)
}

func TestVaultRecordDetectsTamperedFields(t *testing.T) {
	f := Fields{Amount: 5, Commitment: commitment(1)}
	v := newVault("alice")
	v.put(&Operation{ID: OperationID(Shield, f), Kind: Shield, Status: Pending, Fields: f})
	rec, err := v.MarshalBinary()
	require.NoError(t, err)

	// head(4+1+2+5) count(4) len(4) id(32) kind(1) status(1) amount(8)
	amountEnd := 4 + 1 + 2 + len("alice") + 4 + 4 + 32 + 1 + 1 + 8
	rec[amountEnd-1] ^= 0x01
	_, err = DecodeVault(rec)
	assert.ErrorIs(t, err, fault.ErrCorruptRecord)
}

func TestLedgerRecordRoundTrip(t *testing.T) {
	l := newLedger(commitment(0))
	for i := 1; i <= RootHistorySize+2; i++ {
		l.pushRoot(commitment(i))
	}
	l.LastOperationTime = 1_700_000_000_000_000_000
	l.OperationCount = 18
	l.TotalShielded = 900
	l.TotalUnshielded = 100
	l.ActiveKeys[Shield] = verifier.KeyRef{CircuitTag: "shield", Version: 2}
	l.ActiveKeys[Transfer] = verifier.KeyRef{CircuitTag: "transfer", Version: 1}

	require.Len(t, l.RecentRoots, RootHistorySize)
	assert.Equal(t, commitment(3), l.RecentRoots[0])
	assert.False(t, l.KnownRoot(commitment(2)))

	rec, err := l.MarshalBinary()
	require.NoError(t, err)
	got, err := DecodeLedger(rec)
	require.NoError(t, err)
	assert.Equal(t, l, got)

	rec[0] = 'X'
	_, err = DecodeLedger(rec)
	assert.ErrorIs(t, err, fault.ErrCorruptRecord)
}

func TestLedgerCountersNeverWrap(t *testing.T) {
	l := newLedger(Hash{})
	l.TotalShielded = ^uint64(0) - 1
	err := l.record(Shield, 2, time.Unix(1_700_000_000, 0))
	assert.ErrorIs(t, err, fault.ErrAmountOverflow)
	assert.True(t, fault.IsFatal(err))

	l.OperationCount = ^uint64(0)
	assert.ErrorIs(t, l.record(Transfer, 1, time.Unix(1_700_000_000, 0)), fault.ErrCounterOverflow)
}

func TestOperationIDIsDeterministic(t *testing.T) {
	a := Fields{Amount: 1, Commitment: commitment(1)}
	b := Fields{Amount: 2, Commitment: commitment(1)}
	assert.Equal(t, OperationID(Shield, a), OperationID(Shield, a))
	assert.NotEqual(t, OperationID(Shield, a), OperationID(Shield, b))
	assert.NotEqual(t, OperationID(Shield, a), OperationID(Transfer, a))

	id := OperationID(Shield, a)
	parsed, err := ParseHash("0x" + id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	k, err := ParseKind("UNSHIELD")
	require.NoError(t, err)
	assert.Equal(t, Unshield, k)
	_, err = ParseKind("mint")
	assert.ErrorIs(t, err, fault.ErrInvalidOperationKind)
}
