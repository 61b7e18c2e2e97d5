package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// SignatureService computes and verifies HMAC-SHA256 signatures over
// canonicalized request payloads exchanged with the DEXCHANGE gateway.
type SignatureService struct{}

// NewSignatureService creates a new signature service
func NewSignatureService() *SignatureService {
	return &SignatureService{}
}

// Canonicalize builds the canonical string form of a payload: scalar
// fields sorted by key and joined as key=value pairs with "&".
// Composite values (objects, arrays) are not part of the signed form.
func (s *SignatureService) Canonicalize(payload map[string]interface{}) string {
	keys := make([]string, 0, len(payload))
	for key, value := range payload {
		if _, ok := scalarString(value); !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		value, _ := scalarString(payload[key])
		pairs = append(pairs, key+"="+value)
	}
	return strings.Join(pairs, "&")
}

// Sign returns the hex-encoded HMAC-SHA256 of the canonicalized payload
func (s *SignatureService) Sign(payload map[string]interface{}, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(s.Canonicalize(payload)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the payload signature and compares it to the provided
// one in constant time. Malformed hex never verifies.
func (s *SignatureService) Verify(payload map[string]interface{}, signature, secret string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(s.Canonicalize(payload)))
	return hmac.Equal(h.Sum(nil), provided)
}

// scalarString formats a scalar payload value the way the gateway does
// when it signs: numbers in their literal form, booleans as true/false.
func scalarString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "", false
	default:
		return "", false
	}
}
