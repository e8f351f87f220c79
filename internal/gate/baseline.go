package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// Fingerprint derives the stable identity of a check failure from the check
// name, its location, and its message. Two runs reporting the same finding
// produce the same fingerprint.
func Fingerprint(result domain.CheckResult) string {
	h := sha256.New()
	h.Write([]byte(result.Check))
	h.Write([]byte{0})
	h.Write([]byte(result.Location))
	h.Write([]byte{0})
	h.Write([]byte(result.Message))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Baseline is a snapshot of known failure fingerprints taken at a point in
// time. It is refreshed only explicitly, never as a side effect of Verify.
type Baseline struct {
	fingerprints map[string]struct{}
}

// NewBaseline builds a baseline from a fingerprint list.
func NewBaseline(fingerprints []string) *Baseline {
	b := &Baseline{fingerprints: make(map[string]struct{}, len(fingerprints))}
	for _, fp := range fingerprints {
		b.fingerprints[fp] = struct{}{}
	}
	return b
}

// Has reports whether a fingerprint was present when the snapshot was taken.
func (b *Baseline) Has(fingerprint string) bool {
	if b == nil {
		return false
	}
	_, ok := b.fingerprints[fingerprint]
	return ok
}

// Len returns the number of known fingerprints.
func (b *Baseline) Len() int {
	if b == nil {
		return 0
	}
	return len(b.fingerprints)
}

// Fingerprints returns the sorted fingerprint list.
func (b *Baseline) Fingerprints() []string {
	if b == nil {
		return nil
	}
	fps := make([]string, 0, len(b.fingerprints))
	for fp := range b.fingerprints {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	return fps
}

// MarshalJSON serializes the baseline as a sorted fingerprint array.
func (b *Baseline) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Fingerprints())
}

// UnmarshalJSON restores a baseline from a fingerprint array.
func (b *Baseline) UnmarshalJSON(data []byte) error {
	var fps []string
	if err := json.Unmarshal(data, &fps); err != nil {
		return err
	}
	b.fingerprints = make(map[string]struct{}, len(fps))
	for _, fp := range fps {
		b.fingerprints[fp] = struct{}{}
	}
	return nil
}
