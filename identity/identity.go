// Package identity verifies that a claimed wallet address stands behind a
// request. Two shapes are supported: direct challenge-response (the wallet
// signs a server-issued statement, EIP-191 personal_sign) and delegated
// ephemeral signing (the wallet signs one delegation statement, after which
// a short-lived key signs per-message payloads with a strictly increasing
// counter). Verification is stateless over caller-supplied records; counter
// bookkeeping lives with the session store.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// AnonymousAddress is the sentinel claimed address for users who never
// attached a wallet.
const AnonymousAddress = "anonymous"

var (
	ErrNonceExpired      = errors.New("nonce expired")
	ErrSignatureMismatch = errors.New("recovered address does not match claimed address")
	ErrDelegationExpired = errors.New("delegation expired")
	ErrCounterReplay     = errors.New("message counter not greater than last accepted")
	ErrMalformedProof    = errors.New("malformed signature proof")
)

// Outcome is the explicit three-state authentication result. Downstream
// access decisions switch on it rather than inferring state from absent
// fields.
type Outcome int

const (
	OutcomeAnonymous Outcome = iota
	OutcomeValidatedDirect
	OutcomeValidatedDelegated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValidatedDirect:
		return "validated-direct"
	case OutcomeValidatedDelegated:
		return "validated-delegated"
	default:
		return "anonymous"
	}
}

// Validated reports whether the outcome carries a verified wallet identity.
func (o Outcome) Validated() bool { return o != OutcomeAnonymous }

// Result pairs an outcome with the address it applies to.
type Result struct {
	Outcome Outcome
	Address string
}

// Delegation is the caller-supplied view of a delegation record needed to
// verify one ephemeral-signed message.
type Delegation struct {
	DelegateAddress string
	ExpiresAt       time.Time
	LastCounter     uint64
}

// ValidAddress reports whether s looks like a hex wallet address.
func ValidAddress(s string) bool { return common.IsHexAddress(s) }

// SignInStatement builds the structured statement a wallet signs during the
// handshake. The nonce binds the statement to one challenge; an optional
// delegate key line binds an ephemeral public key for delegated signing.
func SignInStatement(address, nonce string, issuedAt, expiresAt time.Time, delegateKey string) string {
	var b strings.Builder
	b.WriteString("tipchat wants you to sign in with your wallet:\n")
	b.WriteString(address)
	b.WriteString("\n\nNonce: ")
	b.WriteString(nonce)
	b.WriteString("\nIssued At: ")
	b.WriteString(issuedAt.UTC().Format(time.RFC3339))
	b.WriteString("\nExpiration Time: ")
	b.WriteString(expiresAt.UTC().Format(time.RFC3339))
	if delegateKey != "" {
		b.WriteString("\nDelegate Key: ")
		b.WriteString(delegateKey)
	}
	return b.String()
}

// RecoverPersonalSigner recovers the address that personal_sign'ed message.
// The digest follows EIP-191: keccak256("\x19Ethereum Signed Message:\n" +
// len(message) + message).
func RecoverPersonalSigner(message, sigHex string) (string, error) {
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return "", err
	}
	prefixed := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message)) + message
	digest := crypto.Keccak256([]byte(prefixed))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifyDirect checks a direct challenge-response proof: the signature over
// statement must recover to claimedAddress (case-insensitive hex compare).
func VerifyDirect(statement, sigHex, claimedAddress string) error {
	recovered, err := RecoverPersonalSigner(statement, sigHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, claimedAddress) {
		return ErrSignatureMismatch
	}
	return nil
}

// CanonicalMessagePayload is the deterministic encoding the ephemeral key
// signs for each chat message. Both sides must produce it byte-identically.
func CanonicalMessagePayload(sessionID string, counter uint64, message string) string {
	return sessionID + "\n" + strconv.FormatUint(counter, 10) + "\n" + message
}

// RecoverDelegatedSigner recovers the address of the ephemeral key that
// signed one chat message payload.
func RecoverDelegatedSigner(sessionID string, counter uint64, message, sigHex string) (string, error) {
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return "", err
	}
	digest := crypto.Keccak256([]byte(CanonicalMessagePayload(sessionID, counter, message)))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifyDelegated checks one ephemeral-signed message against a delegation
// record. It enforces, in order: delegation freshness, strict counter
// monotonicity, and signer identity. The caller advances the stored counter
// only after a nil return.
func VerifyDelegated(del Delegation, sessionID, message string, counter uint64, sigHex string, now time.Time) error {
	if del.DelegateAddress == "" {
		return ErrMalformedProof
	}
	if now.After(del.ExpiresAt) {
		return ErrDelegationExpired
	}
	if counter <= del.LastCounter {
		return ErrCounterReplay
	}
	recovered, err := RecoverDelegatedSigner(sessionID, counter, message, sigHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, del.DelegateAddress) {
		return ErrSignatureMismatch
	}
	return nil
}

// decodeSignature parses a 65-byte hex r||s||v signature, accepting both
// the 27/28 and 0/1 conventions for v.
func decodeSignature(sigHex string) ([]byte, error) {
	if !strings.HasPrefix(sigHex, "0x") {
		sigHex = "0x" + sigHex
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrMalformedProof, crypto.SignatureLength, len(sig))
	}
	out := make([]byte, crypto.SignatureLength)
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	if out[64] > 1 {
		return nil, fmt.Errorf("%w: invalid recovery id", ErrMalformedProof)
	}
	return out, nil
}
