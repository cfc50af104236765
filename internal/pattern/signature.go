package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeSignature derives a deterministic content signature over category,
// normalized condition/action text and agent type. Two patterns with the
// same signature and framework are the same logical pattern; the store
// merges them rather than creating a duplicate row.
func ComputeSignature(p *Pattern) string {
	h := sha256.New()
	h.Write([]byte(string(p.Category)))
	h.Write([]byte{0})
	for _, c := range p.Conditions {
		h.Write([]byte(normalizeClause(c)))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, a := range p.Actions {
		h.Write([]byte(normalizeClause(a)))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	h.Write([]byte(strings.ToLower(p.AgentType)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeClause lowercases and collapses whitespace so cosmetic edits
// don't change the signature.
func normalizeClause(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
