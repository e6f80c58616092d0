package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"shieldpool/internal/fault"
	"shieldpool/internal/pool"
	"shieldpool/internal/prover"
	"shieldpool/internal/verifier"
)

const TypeProve = "prove"

// NoteJSON is the wire form of a note. Field elements are 32-byte
// big-endian.
type NoteJSON struct {
	Amount uint64   `json:"amount"`
	Owner  HexBytes `json:"owner"`
	Rho    HexBytes `json:"rho"`
	Rand   HexBytes `json:"rand"`
}

// ProveRequest asks a prover node for an operation proof.
//
// Shield needs Amount and OwnerKey. Unshield needs Note, SpendingKey, Root
// and Recipient. Transfer needs Note, SpendingKey, Root and OwnerKey for the
// output note.
type ProveRequest struct {
	Kind        pool.Kind `json:"kind"`
	Amount      uint64    `json:"amount,omitempty"`
	OwnerKey    HexBytes  `json:"owner_key,omitempty"`
	Note        *NoteJSON `json:"note,omitempty"`
	SpendingKey HexBytes  `json:"spending_key,omitempty"`
	Root        pool.Hash `json:"root"`
	Recipient   string    `json:"recipient,omitempty"`
}

// ProveResponse is a proven statement. Note is the newly created note for
// shield and transfer.
type ProveResponse struct {
	Kind         pool.Kind   `json:"kind"`
	Fields       pool.Fields `json:"fields"`
	Proof        HexBytes    `json:"proof"`
	PublicInputs HexBytes    `json:"public_inputs"`
	Note         *NoteJSON   `json:"note,omitempty"`
}

func elementBytes(e fr.Element) HexBytes {
	b := e.Bytes()
	return HexBytes(b[:])
}

func parseElement(name string, b HexBytes) (fr.Element, error) {
	var e fr.Element
	if len(b) != fr.Bytes {
		return e, fmt.Errorf("%w: %s must be %d bytes", fault.ErrInvalidRecordEncoding, name, fr.Bytes)
	}
	if err := e.SetBytesCanonical(b); err != nil {
		return e, fmt.Errorf("%w: %s: %v", fault.ErrInvalidRecordEncoding, name, err)
	}
	return e, nil
}

// NoteToJSON encodes n.
func NoteToJSON(n *prover.Note) *NoteJSON {
	return &NoteJSON{
		Amount: n.Amount,
		Owner:  elementBytes(n.Owner),
		Rho:    elementBytes(n.Rho),
		Rand:   elementBytes(n.Rand),
	}
}

// Note decodes the wire form.
func (j *NoteJSON) Note() (*prover.Note, error) {
	n := &prover.Note{Amount: j.Amount}
	var err error
	if n.Owner, err = parseElement("owner", j.Owner); err != nil {
		return nil, err
	}
	if n.Rho, err = parseElement("rho", j.Rho); err != nil {
		return nil, err
	}
	if n.Rand, err = parseElement("rand", j.Rand); err != nil {
		return nil, err
	}
	return n, nil
}

// SpendingKeyBytes encodes a spending key for a prove request.
func SpendingKeyBytes(k *prover.SpendingKey) HexBytes { return elementBytes(k.Sk) }

// PublicKeyBytes encodes the public key of k.
func PublicKeyBytes(k *prover.SpendingKey) HexBytes { return elementBytes(k.PublicKey()) }

func (r *ProveRequest) spend() (*prover.Note, *prover.SpendingKey, error) {
	if r.Note == nil {
		return nil, nil, fmt.Errorf("%w: %s needs the spent note", fault.ErrInvalidRecordEncoding, r.Kind)
	}
	note, err := r.Note.Note()
	if err != nil {
		return nil, nil, err
	}
	sk, err := parseElement("spending_key", r.SpendingKey)
	if err != nil {
		return nil, nil, err
	}
	return note, &prover.SpendingKey{Sk: sk}, nil
}

func prove(p *prover.Prover, req *ProveRequest) (*ProveResponse, error) {
	var (
		st      *prover.Statement
		created *prover.Note
		err     error
	)
	switch req.Kind {
	case pool.Shield:
		owner, perr := parseElement("owner_key", req.OwnerKey)
		if perr != nil {
			return nil, perr
		}
		if created, err = prover.NewNote(req.Amount, owner); err != nil {
			return nil, err
		}
		st, err = p.Shield(created)
	case pool.Unshield:
		note, key, serr := req.spend()
		if serr != nil {
			return nil, serr
		}
		st, err = p.Unshield(note, key, req.Root, req.Recipient)
	case pool.Transfer:
		note, key, serr := req.spend()
		if serr != nil {
			return nil, serr
		}
		owner, perr := parseElement("owner_key", req.OwnerKey)
		if perr != nil {
			return nil, perr
		}
		if created, err = prover.NewNote(note.Amount, owner); err != nil {
			return nil, err
		}
		st, err = p.Transfer(note, key, created, req.Root)
	default:
		return nil, fmt.Errorf("%w: %s", fault.ErrInvalidOperationKind, req.Kind)
	}
	if err != nil {
		return nil, err
	}

	resp := &ProveResponse{
		Kind:         st.Kind,
		Fields:       st.Fields,
		Proof:        st.Payload.Proof,
		PublicInputs: st.Payload.PublicInputs,
	}
	if created != nil {
		resp.Note = NoteToJSON(created)
	}
	return resp, nil
}

// ServeProver answers prove messages with p.
func ServeProver(n *Node, p *prover.Prover) {
	n.RegisterHandler(TypeProve, func(ctx context.Context, msg Message) (any, error) {
		var req ProveRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("%w: prove request: %v", fault.ErrInvalidRecordEncoding, err)
		}
		return prove(p, &req)
	})
}

// Prover produces proven statements, locally or through a peer.
type Prover interface {
	Prove(ctx context.Context, req ProveRequest) (*ProveResponse, error)
}

// LocalProver answers prove requests in process.
type LocalProver struct {
	P *prover.Prover
}

func (l LocalProver) Prove(ctx context.Context, req ProveRequest) (*ProveResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return prove(l.P, &req)
}

// ProverClient requests proofs from a remote prover node.
type ProverClient struct {
	Node     *Node
	TargetID string
}

// Prove sends req and returns the proven statement.
func (c *ProverClient) Prove(ctx context.Context, req ProveRequest) (*ProveResponse, error) {
	var resp ProveResponse
	if err := c.Node.SendMessage(ctx, c.TargetID, TypeProve, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Payload returns the pool payload carried by r.
func (r *ProveResponse) Payload() verifier.Payload {
	return verifier.Payload{Proof: r.Proof, PublicInputs: r.PublicInputs}
}
