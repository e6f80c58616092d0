// fault.go - Error kinds and shared error instances for the shielded pool.
//
// Every error returned by the engine carries one of the kinds below, either
// directly (one of the sentinel values) or wrapped with fmt.Errorf("...: %w").
package fault

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidInput
	KindUnauthorized
	KindStateConflict
	KindVerificationFailure
	KindResourceExhausted
	KindArithmetic
	KindCorruption
)

var kindNames = map[Kind]string{
	KindUnknown:             "Unknown",
	KindNotFound:            "NotFound",
	KindInvalidInput:        "InvalidInput",
	KindUnauthorized:        "Unauthorized",
	KindStateConflict:       "StateConflict",
	KindVerificationFailure: "VerificationFailure",
	KindResourceExhausted:   "ResourceExhausted",
	KindArithmetic:          "Arithmetic",
	KindCorruption:          "Corruption",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// ParseKind resolves a kind name, as produced by Kind.String.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Error is a classified error instance.
type Error struct {
	kind  Kind
	msg   string
	fatal bool
}

func (e *Error) Error() string { return e.msg }

// Kind returns the error class.
func (e *Error) Kind() Kind { return e.kind }

// New creates a recoverable error of the given kind.
func New(kind Kind, msg string) *Error { return &Error{kind: kind, msg: msg} }

// NewFatal creates an error that poisons the pool instance that raised it.
func NewFatal(kind Kind, msg string) *Error { return &Error{kind: kind, msg: msg, fatal: true} }

// common errors - grouped by kind
var (
	ErrOperationNotFound = New(KindNotFound, "operation not found")
	ErrKeyNotFound       = New(KindNotFound, "verifying key not found")
	ErrRecordNotFound    = New(KindNotFound, "record not found")

	ErrInvalidAmount         = New(KindInvalidInput, "invalid amount")
	ErrAmountTooSmall        = New(KindInvalidInput, "amount below minimum")
	ErrAmountTooLarge        = New(KindInvalidInput, "amount above maximum")
	ErrInvalidProof          = New(KindInvalidInput, "invalid proof")
	ErrInvalidPublicInputs   = New(KindInvalidInput, "invalid public inputs")
	ErrInvalidVerifyingKey   = New(KindInvalidInput, "invalid verifying key")
	ErrInvalidAttestation    = New(KindInvalidInput, "invalid attestation")
	ErrInvalidCommitment     = New(KindInvalidInput, "invalid commitment")
	ErrInvalidNullifier      = New(KindInvalidInput, "invalid nullifier")
	ErrInvalidOperationKind  = New(KindInvalidInput, "invalid operation kind")
	ErrInvalidBatch          = New(KindInvalidInput, "invalid batch")
	ErrInvalidOwner          = New(KindInvalidInput, "invalid owner")
	ErrInvalidRecipient      = New(KindInvalidInput, "invalid recipient")
	ErrInvalidRoot           = New(KindInvalidInput, "invalid root")
	ErrInvalidConfiguration  = New(KindInvalidInput, "invalid configuration")
	ErrMissingPayload        = New(KindInvalidInput, "operation has no payload")
	ErrInvalidRecordEncoding = New(KindInvalidInput, "invalid record encoding")

	ErrUnauthorized     = New(KindUnauthorized, "authority mismatch")
	ErrInvalidAuthority = New(KindUnauthorized, "invalid authority")
	ErrOwnerMismatch    = New(KindUnauthorized, "owner mismatch")
	ErrBadSignature     = New(KindUnauthorized, "invalid request signature")
	ErrReplayedRequest  = New(KindUnauthorized, "request already seen")

	ErrInvalidOperationStatus = New(KindStateConflict, "invalid operation status")
	ErrOperationExists        = New(KindStateConflict, "operation already prepared")
	ErrNullifierAlreadyUsed   = New(KindStateConflict, "nullifier already used")
	ErrCommitmentExists       = New(KindStateConflict, "commitment already in tree")
	ErrKeyExists              = New(KindStateConflict, "verifying key already exists")
	ErrAlreadyRevoked         = New(KindStateConflict, "verifying key already revoked")
	ErrInsufficientBalance    = New(KindStateConflict, "insufficient balance")

	ErrVerificationFailed = New(KindVerificationFailure, "proof verification failed")
	ErrKeyRevoked         = New(KindVerificationFailure, "verifying key revoked")
	ErrStaleAttestation   = New(KindVerificationFailure, "attestation outside freshness window")
	ErrRootMismatch       = New(KindVerificationFailure, "root not in recent history")
	ErrInputsMismatch     = New(KindVerificationFailure, "public inputs do not match operation")

	ErrRateLimitExceeded = New(KindResourceExhausted, "rate limit exceeded")
	ErrBatchTooLarge     = New(KindResourceExhausted, "batch exceeds maximum size")
	ErrTreeFull          = NewFatal(KindResourceExhausted, "commitment tree is full")

	ErrCounterOverflow = NewFatal(KindArithmetic, "counter overflow")
	ErrAmountOverflow  = NewFatal(KindArithmetic, "amount overflow")

	ErrCorruptRecord = NewFatal(KindCorruption, "corrupt record")
)

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsFatal reports whether err must stop the pool instance.
func IsFatal(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.fatal
}

// Recoverable reports whether the caller may retry with corrected data.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindStateConflict, KindVerificationFailure:
		return true
	case KindResourceExhausted:
		return !IsFatal(err)
	}
	return false
}

// HTTPStatus maps an error to the status code the HTTP surfaces report it
// with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindStateConflict:
		return http.StatusConflict
	case KindVerificationFailure:
		return http.StatusUnprocessableEntity
	case KindResourceExhausted:
		if IsFatal(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusTooManyRequests
	case KindArithmetic, KindCorruption:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
