// Package jobproof implements the offline verifier for a job-proof bundle
// (spec §6): a directory carrying trust.json, an exported event log, a
// policy snapshot, a settlement decision and receipt, an evidence pointer
// list, and a SHA256SUMS digest manifest. Grounded on the teacher's
// integrations/exports/ deterministic-row-export shape (generalized into
// internal/audit for C9) and reusing internal/settlement.VerifyBinding and
// internal/chainlog.VerifyChain directly rather than re-deriving their
// checks — an offline verifier has no business re-implementing the kernel's
// own hash-binding rules.
package jobproof

import (
	"time"
)

// Role is the capacity a trust.json key is trusted to act in.
type Role string

const (
	RoleGovernance    Role = "governance"
	RoleTimeAuthority Role = "time_authority"
	RolePricingSigner Role = "pricing_signer"
)

// Key is one entry in the trust envelope's key set.
type Key struct {
	KeyID        string     `json:"keyId"`
	PublicKeyPEM string     `json:"publicKeyPem"`
	Role         Role       `json:"role"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

// Envelope is trust.json: the governance roots, time authorities, and
// pricing signers a job-proof bundle's signatures are checked against.
// Carrying both a retiring and a successor key for the same role during a
// rotation window is normal; ResolveTrusted rejects a key once its
// revokedAt has passed, which is what makes dropping the old root after a
// rotation a verification failure rather than a silent no-op.
type Envelope struct {
	SchemaVersion string    `json:"schemaVersion"`
	GeneratedAt   time.Time `json:"generatedAt"`
	Keys          []Key     `json:"keys"`
}

// ResolveTrusted finds a non-revoked key with the given id and role, as of
// at. A revoked or absent key is reported identically (ok=false) — the
// verifier does not distinguish "unknown signer" from "revoked signer",
// neither in its trust decision nor in the message it surfaces.
func (e Envelope) ResolveTrusted(keyID string, role Role, at time.Time) (Key, bool) {
	for _, k := range e.Keys {
		if k.KeyID != keyID || k.Role != role {
			continue
		}
		if k.RevokedAt != nil && !k.RevokedAt.After(at) {
			return Key{}, false
		}
		return k, true
	}
	return Key{}, false
}
