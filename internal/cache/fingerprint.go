// internal/cache/fingerprint.go
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/browsermux/browsermux/api/schemas"
)

// Fingerprint derives the cache key for a command, scoped to its session.
// The second return reports cacheability: only extract commands are
// read-only and deterministic enough to cache. Wait results depend on
// elapsed time and are never cached.
func Fingerprint(cmd schemas.Command) (string, bool) {
	ex, ok := cmd.(*schemas.ExtractCommand)
	if !ok {
		return "", false
	}

	// Deterministic serialization: sorted key=value lines over every
	// parameter that affects the result. The command id and timeout are
	// deliberately excluded.
	fields := map[string]string{
		"method":          string(schemas.MethodExtract),
		"selector":        ex.Selector,
		"extract_type":    string(ex.ExtractType),
		"attribute_name":  ex.AttributeName,
		"property_name":   ex.PropertyName,
		"multiple":        fmt.Sprintf("%t", ex.Multiple),
		"trim_whitespace": fmt.Sprintf("%t", ex.TrimWhitespace),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	hash := hex.EncodeToString(sum[:])[:16]
	return ex.SessionID + ":" + hash, true
}
