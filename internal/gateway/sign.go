package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Sign computes the request token: the values of all non-empty top-level
// scalar fields except Token, ordered by field name and concatenated, then
// the shared secret, hashed with SHA-256 and hex encoded. Nested objects
// and arrays (DATA, Receipt) do not take part.
func Sign(params map[string]any, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "Token" {
			continue
		}
		if _, ok := scalar(v); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		s, _ := scalar(params[k])
		b.WriteString(s)
	}
	b.WriteString(secret)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether params carry a valid Token for secret.
func Verify(params map[string]any, secret string) bool {
	token, _ := params["Token"].(string)
	if token == "" {
		return false
	}
	want := Sign(params, secret)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(token)), []byte(want)) == 1
}

// scalar renders v the way the gateway does and reports false for empty or
// composite values.
func scalar(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s = x
	case json.Number:
		s = x.String()
	case bool:
		s = strconv.FormatBool(x)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return "", false
	}
	return s, s != ""
}
