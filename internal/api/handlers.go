package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"shieldpool/internal/fault"
	"shieldpool/internal/pool"
	"shieldpool/internal/remote"
	"shieldpool/internal/verifier"
)

// OperationView is the JSON form of a vault entry. Proof material is
// summarised, not echoed.
type OperationView struct {
	ID             pool.ID     `json:"id"`
	Kind           pool.Kind   `json:"kind"`
	Status         pool.Status `json:"status"`
	Fields         pool.Fields `json:"fields"`
	HasPayload     bool        `json:"has_payload"`
	HasAttestation bool        `json:"has_attestation"`
	LeafIndex      uint64      `json:"leaf_index"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
}

func viewOf(op *pool.Operation) OperationView {
	return OperationView{
		ID:             op.ID,
		Kind:           op.Kind,
		Status:         op.Status,
		Fields:         op.Fields,
		HasPayload:     len(op.Payload.Proof) > 0,
		HasAttestation: len(op.Payload.Attestation) > 0,
		LeafIndex:      op.LeafIndex,
		CreatedAt:      op.CreatedAt,
		UpdatedAt:      op.UpdatedAt,
	}
}

type prepareRequest struct {
	Kind   pool.Kind   `json:"kind" binding:"required"`
	Fields pool.Fields `json:"fields"`
}

type payloadRequest struct {
	Proof        remote.HexBytes `json:"proof" binding:"required"`
	PublicInputs remote.HexBytes `json:"public_inputs" binding:"required"`
	Attestation  remote.HexBytes `json:"attestation,omitempty"`
}

type batchRequest struct {
	IDs []pool.ID `json:"ids"`
}

type registerKeyRequest struct {
	Key remote.KeyJSON `json:"key"`
}

type keyRefRequest struct {
	Kind       string `json:"kind,omitempty"`
	CircuitTag string `json:"circuit_tag" binding:"required"`
	Version    uint32 `json:"version"`
}

// KeyView is the public form of a verifying key.
type KeyView struct {
	CircuitTag string          `json:"circuit_tag"`
	Version    uint32          `json:"version"`
	KeyBytes   remote.HexBytes `json:"key_bytes"`
	Revoked    bool            `json:"revoked"`
}

func (r keyRefRequest) ref() verifier.KeyRef {
	return verifier.KeyRef{CircuitTag: r.CircuitTag, Version: r.Version}
}

// bind decodes the body, reporting failures as invalid input.
func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		if fault.KindOf(err) == fault.KindUnknown {
			err = fmt.Errorf("%w: %v", fault.ErrInvalidRecordEncoding, err)
		}
		s.fail(c, err)
		return false
	}
	return true
}

func (s *Server) operationID(c *gin.Context) (pool.ID, bool) {
	id, err := pool.ParseHash(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return id, false
	}
	return id, true
}

func (s *Server) prepare(c *gin.Context) {
	var req prepareRequest
	if !s.bind(c, &req) {
		return
	}
	id, err := s.engine.Prepare(c.Request.Context(), c.Param("owner"), req.Kind, req.Fields)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) listOperations(c *gin.Context) {
	ops := s.engine.List(c.Param("owner"))
	out := make([]OperationView, 0, len(ops))
	for _, op := range ops {
		out = append(out, viewOf(op))
	}
	c.JSON(http.StatusOK, gin.H{"operations": out})
}

func (s *Server) getOperation(c *gin.Context) {
	id, ok := s.operationID(c)
	if !ok {
		return
	}
	op, err := s.engine.Get(c.Param("owner"), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(op))
}

func (s *Server) attachPayload(c *gin.Context, id pool.ID) {
	var req payloadRequest
	if !s.bind(c, &req) {
		return
	}
	p := verifier.Payload{Proof: req.Proof, PublicInputs: req.PublicInputs, Attestation: req.Attestation}
	if err := s.engine.AttachPayload(c.Request.Context(), c.Param("owner"), id, p); err != nil {
		s.fail(c, err)
		return
	}
	s.respondOperation(c, id)
}

// transition runs one lifecycle step named by the :action path segment.
func (s *Server) transition(c *gin.Context) {
	id, ok := s.operationID(c)
	if !ok {
		return
	}
	owner := c.Param("owner")
	ctx := c.Request.Context()

	var err error
	switch c.Param("action") {
	case "payload":
		s.attachPayload(c, id)
		return
	case "verify":
		err = s.engine.Verify(ctx, owner, id)
	case "apply":
		err = s.engine.Apply(ctx, owner, id)
	case "finalize":
		err = s.engine.Finalize(ctx, owner, id)
	case "execute":
		err = s.engine.Execute(ctx, owner, id)
	case "cancel":
		err = s.engine.Cancel(ctx, owner, id)
	default:
		s.fail(c, fault.New(fault.KindNotFound, "unknown action "+c.Param("action")))
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondOperation(c, id)
}

// respondOperation writes the operation's current view, or a completed
// marker once finalize has removed it from the vault.
func (s *Server) respondOperation(c *gin.Context, id pool.ID) {
	op, err := s.engine.Get(c.Param("owner"), id)
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			c.JSON(http.StatusOK, gin.H{"id": id, "status": pool.Completed})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(op))
}

func (s *Server) applyBatch(c *gin.Context) {
	var req batchRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.engine.ApplyBatch(c.Request.Context(), c.Param("owner"), req.IDs); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": len(req.IDs)})
}

func (s *Server) purge(c *gin.Context) {
	n, err := s.engine.Purge(c.Request.Context(), c.Param("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.State())
}

// TreeView is what a client needs to build a witness against the current
// root: the frontier and the most recent leaves.
type TreeView struct {
	Depth     int         `json:"depth"`
	Hasher    string      `json:"hasher"`
	MinAmount uint64      `json:"min_amount"`
	MaxAmount uint64      `json:"max_amount"`
	Frontier  []pool.Hash `json:"frontier"`
	Recent    []LeafView  `json:"recent"`
}

type LeafView struct {
	Index            uint64    `json:"index"`
	Commitment       pool.Hash `json:"commitment"`
	AmountCommitment pool.Hash `json:"amount_commitment"`
}

func (s *Server) getTree(c *gin.Context) {
	cfg := s.engine.Config()
	view := TreeView{
		Depth:     cfg.TreeDepth,
		Hasher:    cfg.Hasher.Name(),
		MinAmount: cfg.MinAmount,
		MaxAmount: cfg.MaxAmount,
		Frontier:  []pool.Hash{},
		Recent:    []LeafView{},
	}
	for _, n := range s.engine.Frontier() {
		view.Frontier = append(view.Frontier, pool.Hash(n))
	}
	for _, l := range s.engine.RecentLeaves() {
		view.Recent = append(view.Recent, LeafView{
			Index:            l.Index,
			Commitment:       pool.Hash(l.Commitment),
			AmountCommitment: pool.Hash(l.AmountCommitment),
		})
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getRoot(c *gin.Context) {
	root, err := pool.ParseHash(c.Param("root"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"root": root, "known": s.engine.KnownRoot(root)})
}

func (s *Server) getNullifier(c *gin.Context) {
	nf, err := pool.ParseHash(c.Param("nullifier"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nullifier": nf, "used": s.engine.NullifierUsed(nf)})
}

func (s *Server) listKeys(c *gin.Context) {
	keys := s.engine.Keys()
	out := make([]KeyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyView{CircuitTag: k.CircuitTag, Version: k.Version, KeyBytes: k.KeyBytes, Revoked: k.Revoked})
	}
	active := s.engine.State().ActiveKeys
	c.JSON(http.StatusOK, gin.H{"keys": out, "active": active})
}

func (s *Server) registerKey(c *gin.Context) {
	var req registerKeyRequest
	if !s.bind(c, &req) {
		return
	}
	rec := req.Key.Record()
	rec.Authority = caller(c)
	if err := s.engine.RegisterKey(c.Request.Context(), rec, caller(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ref": rec.Ref()})
}

func (s *Server) revokeKey(c *gin.Context) {
	var req keyRefRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.engine.RevokeKey(c.Request.Context(), req.ref(), caller(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ref": req.ref(), "revoked": true})
}

func (s *Server) activateKey(c *gin.Context) {
	var req keyRefRequest
	if !s.bind(c, &req) {
		return
	}
	kind, err := pool.ParseKind(req.Kind)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.engine.ActivateKey(c.Request.Context(), kind, req.ref(), caller(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "ref": req.ref()})
}
