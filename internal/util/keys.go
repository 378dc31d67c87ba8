package util

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint returns a deterministic key for a request: prefix, then the first
// 16 hex chars of a sha256 over the path params (in order) and the query
// (keys sorted, values sorted per key). Equal requests written with a
// different query order map to the same key.
func Fingerprint(prefix string, params []string, query map[string][]string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.Join(params, "/"))
	b.WriteByte('?')
	for i, k := range keys {
		vs := make([]string, len(query[k]))
		copy(vs, query[k])
		sort.Strings(vs)
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(vs, ","))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%s-%x", prefix, sum)[:len(prefix)+1+16]
}
