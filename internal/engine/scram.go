package engine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xdg-go/stringprep"
	"golang.org/x/crypto/pbkdf2"
)

// gs2Header is the SASL channel-binding prefix: no channel binding, no authzid.
const gs2Header = "n,,"

const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// scramConversation tracks the client side of a SCRAM-SHA-256 exchange
// (RFC 5802). The username is left empty in client-first-message; the
// server identifies the role from the startup packet.
type scramConversation struct {
	password        string
	nonce           string
	clientFirstBare string

	expectedServerSig string // base64, set after the server challenge
}

// newScramConversation generates the client nonce from rng: 18 bytes drawn
// from a cryptographically secure source, constrained to [A-Za-z0-9], then
// base64-encoded without a trailing newline.
func newScramConversation(password string, rng io.Reader) (*scramConversation, error) {
	if rng == nil {
		rng = rand.Reader
	}
	raw := make([]byte, 18)
	if _, err := io.ReadFull(rng, raw); err != nil {
		return nil, fmt.Errorf("engine: generating SCRAM nonce: %w", err)
	}
	for i, b := range raw {
		raw[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	nonce := base64.StdEncoding.EncodeToString(raw)

	return &scramConversation{
		password:        password,
		nonce:           nonce,
		clientFirstBare: "n=,r=" + nonce,
	}, nil
}

// clientFirstMessage returns the SASLInitialResponse payload.
func (s *scramConversation) clientFirstMessage() string {
	return gs2Header + s.clientFirstBare
}

// handleServerFirst consumes the AuthenticationSASLContinue challenge and
// returns the client-final-message carrying the proof.
func (s *scramConversation) handleServerFirst(serverFirst string) (string, error) {
	serverNonce, salt, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return "", err
	}
	if iterations < 1 {
		return "", ErrScramBadIterationCount
	}
	if !strings.HasPrefix(serverNonce, s.nonce) {
		return "", fmt.Errorf("engine: SCRAM server nonce does not extend client nonce")
	}

	// Postgres accepts passwords that fail the SASLprep profile, so fall
	// back to the raw password rather than rejecting (lib-pq behavior).
	password, err := stringprep.SASLprep.Prepare(s.password)
	if err != nil {
		password = s.password
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	storedKey := sha256.Sum256(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := channelBinding + ",r=" + serverNonce

	authMessage := s.clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	s.expectedServerSig = base64.StdEncoding.EncodeToString(
		hmacSHA256(serverKey, []byte(authMessage)))

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof), nil
}

// verifyServerFinal checks the AuthenticationSASLFinal payload ("v=<sig>")
// against the signature computed from the challenge.
func (s *scramConversation) verifyServerFinal(serverFinal string) error {
	sig, ok := strings.CutPrefix(serverFinal, "v=")
	if !ok {
		return fmt.Errorf("engine: malformed SCRAM server-final-message %q", serverFinal)
	}
	if s.expectedServerSig == "" {
		return fmt.Errorf("engine: SCRAM server-final-message before challenge")
	}
	if !hmac.Equal([]byte(sig), []byte(s.expectedServerSig)) {
		return ErrScramServerSignatureMismatch
	}
	return nil
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>".
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("engine: decoding SCRAM salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("engine: parsing SCRAM iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil {
		return "", nil, 0, fmt.Errorf("engine: incomplete SCRAM server-first-message %q", msg)
	}
	return nonce, salt, iterations, nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
