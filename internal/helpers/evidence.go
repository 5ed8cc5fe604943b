package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// EvidenceSnapshot captures what a previous collection cycle saw, for
// change detection on the next one.
type EvidenceSnapshot struct {
	Hash        string
	CollectedAt time.Time
}

// EvidenceDelta summarises whether freshly collected evidence should be
// treated as changed relative to a prior snapshot.
type EvidenceDelta struct {
	CurrentHash  string
	PreviousHash string
	Changed      bool
	Stale        bool
	Reasons      []string
	Age          time.Duration
}

// EvidenceHash computes a SHA-256 digest over a set of headlines. Order,
// case and whitespace do not affect the hash, so a reshuffled feed does
// not read as a change.
func EvidenceHash(headlines []string) string {
	normalised := make([]string, 0, len(headlines))
	for _, h := range headlines {
		if n := normaliseForHash(h); n != "" {
			normalised = append(normalised, n)
		}
	}
	seen := make(map[string]struct{}, len(normalised))
	unique := normalised[:0]
	for _, n := range normalised {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		unique = append(unique, n)
	}
	sort.Strings(unique)
	sum := sha256.Sum256([]byte(strings.Join(unique, "\n")))
	return hex.EncodeToString(sum[:])
}

// CompareEvidence decides whether the current headlines differ from the
// previous snapshot. A zero maxAge disables the staleness check. Stale
// evidence counts as changed so a quiet feed still gets reassessed after
// the freshness window.
func CompareEvidence(prev EvidenceSnapshot, headlines []string, now time.Time, maxAge time.Duration) EvidenceDelta {
	hash := EvidenceHash(headlines)
	delta := EvidenceDelta{
		CurrentHash:  hash,
		PreviousHash: prev.Hash,
	}

	if !now.IsZero() && !prev.CollectedAt.IsZero() {
		delta.Age = now.Sub(prev.CollectedAt)
	}

	switch {
	case prev.Hash == "":
		delta.Changed = true
		delta.Reasons = append(delta.Reasons, "new_evidence")
	case prev.Hash != hash:
		delta.Changed = true
		delta.Reasons = append(delta.Reasons, "hash_mismatch")
	}

	if maxAge > 0 && !prev.CollectedAt.IsZero() && !now.IsZero() && delta.Age >= maxAge {
		delta.Stale = true
		delta.Reasons = append(delta.Reasons, "stale_evidence")
		delta.Changed = true
	}

	return delta
}

func normaliseForHash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
