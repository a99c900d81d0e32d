package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"hash"
	"time"

	"github.com/pkg/errors"

	"github.com/sluiceproject/sluice/core/errs"
)

// Signer produces and verifies HMAC signatures over callback payloads. A
// payload is serialized to JSON with sorted keys, base64-encoded, and the
// signature is the hex HMAC of the encoded message.
type Signer struct {
	secret []byte
	algo   func() hash.Hash
}

// NewSigner builds a signer for the named algorithm, sha256 or sha1.
func NewSigner(secret, algorithm string) (*Signer, error) {
	var algo func() hash.Hash
	switch algorithm {
	case "", "sha256":
		algo = sha256.New
	case "sha1":
		algo = sha1.New
	default:
		return nil, errs.InvalidParameters("unknown signing algorithm " + algorithm)
	}
	return &Signer{secret: []byte(secret), algo: algo}, nil
}

// SignMessage returns the hex HMAC of an already-encoded message.
func (s *Signer) SignMessage(message []byte) string {
	mac := hmac.New(s.algo, s.secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches message, in constant time.
func (s *Signer) Verify(message []byte, signature string) bool {
	return hmac.Equal([]byte(s.SignMessage(message)), []byte(signature))
}

// SignPayload serializes and signs an arbitrary document. Map keys are
// sorted by the JSON encoder, so equal payloads always produce equal
// messages.
func (s *Signer) SignPayload(payload interface{}) (message, signature string, err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", "", errors.Wrap(err, "serialize payload")
	}
	message = base64.StdEncoding.EncodeToString(raw)
	return message, s.SignMessage([]byte(message)), nil
}

// SignData stamps the document with an expiry and wraps it in the signed
// envelope sent to callback receivers.
func (s *Signer) SignData(data map[string]interface{}, ttl time.Duration) (map[string]string, error) {
	data["time"] = time.Now().Add(ttl).Unix()
	message, signature, err := s.SignPayload(data)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"payload":   message,
		"signature": signature,
	}, nil
}
