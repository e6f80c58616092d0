// auth.go - Signed requests for vault and key administration routes
//
// A client signs every request it sends to an owner or authority route with
// an ed25519 key. The hex encoding of that public key is the caller's
// identity: vault routes admit only the owner named in the path, and key
// administration passes the caller to the engine as the authority.
package api

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"shieldpool/internal/fault"
)

const (
	SignerHeader    = "X-Shieldpool-Signer"
	TimestampHeader = "X-Shieldpool-Timestamp"
	SignatureHeader = "X-Shieldpool-Signature"

	// DefaultMaxSkew bounds the distance between a request timestamp and
	// the server clock.
	DefaultMaxSkew = 5 * time.Minute

	callerKey       = "caller"
	maxBodySize     = 1 << 20
	replayCacheSize = 1 << 16
)

// RequestDigest is the message a client signs: method, path, timestamp in
// unix nanoseconds and the SHA-256 of the body.
func RequestDigest(method, path string, ts int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	msg := []byte(fmt.Sprintf("shieldpool/request/v1\n%s\n%s\n%d\n", method, path, ts))
	return append(msg, sum[:]...)
}

// Authenticator checks request signatures and refuses a signature it has
// already accepted.
type Authenticator struct {
	maxSkew time.Duration
	seen    *lru.Cache[string, struct{}]
	now     func() time.Time
}

func NewAuthenticator(maxSkew time.Duration) (*Authenticator, error) {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	seen, err := lru.New[string, struct{}](replayCacheSize)
	if err != nil {
		return nil, err
	}
	return &Authenticator{maxSkew: maxSkew, seen: seen, now: time.Now}, nil
}

// Verify returns the identity of the signer of a request.
func (a *Authenticator) Verify(method, path string, header http.Header, body []byte) (string, error) {
	signer, err := hex.DecodeString(header.Get(SignerHeader))
	if err != nil || len(signer) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: missing or malformed %s", fault.ErrBadSignature, SignerHeader)
	}
	ts, err := strconv.ParseInt(header.Get(TimestampHeader), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: missing or malformed %s", fault.ErrBadSignature, TimestampHeader)
	}
	sig, err := hex.DecodeString(header.Get(SignatureHeader))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", fmt.Errorf("%w: missing or malformed %s", fault.ErrBadSignature, SignatureHeader)
	}
	if skew := a.now().Sub(time.Unix(0, ts)); skew > a.maxSkew || skew < -a.maxSkew {
		return "", fmt.Errorf("%w: timestamp %s away from server time", fault.ErrBadSignature, skew.Round(time.Second))
	}
	if !ed25519.Verify(ed25519.PublicKey(signer), RequestDigest(method, path, ts, body), sig) {
		return "", fault.ErrBadSignature
	}
	if seen, _ := a.seen.ContainsOrAdd(string(sig), struct{}{}); seen {
		return "", fault.ErrReplayedRequest
	}
	return hex.EncodeToString(signer), nil
}

// authenticate admits signed requests only and records the caller.
func (s *Server) authenticate(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize))
	if err != nil {
		s.fail(c, fmt.Errorf("%w: request body: %v", fault.ErrInvalidRecordEncoding, err))
		c.Abort()
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	caller, err := s.auth.Verify(c.Request.Method, c.Request.URL.Path, c.Request.Header, body)
	if err != nil {
		s.log.Warn().Err(err).
			Str("request_id", c.GetString("request_id")).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Msg("unauthenticated request")
		s.fail(c, err)
		c.Abort()
		return
	}
	c.Set(callerKey, caller)
	c.Next()
}

// ownerOnly admits the owner of the :owner vault.
func (s *Server) ownerOnly(c *gin.Context) {
	if c.GetString(callerKey) != c.Param("owner") {
		s.fail(c, fmt.Errorf("%w: vault %s", fault.ErrOwnerMismatch, c.Param("owner")))
		c.Abort()
		return
	}
	c.Next()
}

func caller(c *gin.Context) string { return c.GetString(callerKey) }
