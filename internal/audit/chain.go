package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashedRecord is the canonical serialization of a record for hashing.
// Field order is fixed by the struct definition; encoding/json emits struct
// fields in declaration order, so the encoding is deterministic. Payload maps
// encode with keys sorted, which encoding/json also guarantees.
type hashedRecord struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	ActorID  string         `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Payload  map[string]any `json:"payload,omitempty"`
	TS       string         `json:"ts"`
}

// ComputeHash derives the chain hash of a record:
// SHA-256(prev_hash || canonical(record-without-hash)).
// The timestamp is hashed at microsecond precision, matching what the
// ts column retains across a round trip.
func ComputeHash(prevHash string, r *Record) (string, error) {
	canonical, err := json.Marshal(hashedRecord{
		ID:       r.ID,
		TenantID: r.TenantID,
		ActorID:  r.ActorID,
		Action:   r.Action,
		Entity:   r.Entity,
		EntityID: r.EntityID,
		Payload:  r.Payload,
		TS:       r.TS.UTC().Format("2006-01-02T15:04:05.000000Z"),
	})
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain walks records (assumed to be one tenant's chain in order) and
// recomputes every link. Returns the first broken record, if any.
// prevHash is the expected prev_hash of the first record; pass ZeroHash when
// verifying from the start of the chain.
func VerifyChain(prevHash string, records []*Record) VerifyResult {
	for i, r := range records {
		if r.PrevHash != prevHash {
			return VerifyResult{OK: false, BreakAt: r.ID, Checked: i + 1}
		}
		computed, err := ComputeHash(r.PrevHash, r)
		if err != nil || computed != r.Hash {
			return VerifyResult{OK: false, BreakAt: r.ID, Checked: i + 1}
		}
		prevHash = r.Hash
	}
	return VerifyResult{OK: true, Checked: len(records)}
}
