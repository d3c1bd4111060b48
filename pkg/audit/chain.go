package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"mediscan/pkg/domain"
)

// canonicalEntry fixes field order for hashing. Timestamps are UTC and
// details are re-encoded so that storage-side JSON normalization does not
// change the digest.
type canonicalEntry struct {
	ID                 string          `json:"id"`
	Seq                int64           `json:"seq"`
	ActorID            *string         `json:"actorId"`
	Action             string          `json:"action"`
	ResourceType       string          `json:"resourceType"`
	ResourceID         string          `json:"resourceId"`
	IPAddress          string          `json:"ip"`
	UserAgent          string          `json:"userAgent"`
	RequestID          string          `json:"requestId"`
	RiskLevel          string          `json:"riskLevel"`
	SensitiveData      bool            `json:"sensitiveData"`
	Success            bool            `json:"success"`
	Details            json.RawMessage `json:"details"`
	RetentionExpiresAt string          `json:"retentionExpiresAt"`
	Protected          bool            `json:"protected"`
	CreatedAt          string          `json:"createdAt"`
	PrevHash           string          `json:"prevHash"`
}

// HashEntry returns the chain digest of e. The Hash field itself is ignored.
func HashEntry(e domain.AuditEntry) (string, error) {
	details, err := canonicalJSON(e.Details)
	if err != nil {
		return "", fmt.Errorf("canonicalize details: %w", err)
	}
	payload, err := json.Marshal(canonicalEntry{
		ID:                 e.ID,
		Seq:                e.Seq,
		ActorID:            e.ActorID,
		Action:             e.Action,
		ResourceType:       e.ResourceType,
		ResourceID:         e.ResourceID,
		IPAddress:          e.IPAddress,
		UserAgent:          e.UserAgent,
		RequestID:          e.RequestID,
		RiskLevel:          string(e.RiskLevel),
		SensitiveData:      e.SensitiveData,
		Success:            e.Success,
		Details:            details,
		RetentionExpiresAt: e.RetentionExpiresAt.UTC().Format(time.RFC3339Nano),
		Protected:          e.Protected,
		CreatedAt:          e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:           e.PrevHash,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// ChainReport is the outcome of a chain verification.
type ChainReport struct {
	Checked int
	// Tampered lists entries whose stored hash does not match their content.
	Tampered []int64
	// Unlinked lists entries whose prevHash does not match the entry before
	// them. Only consecutive sequence numbers are compared, since retention
	// purges leave gaps.
	Unlinked []int64
}

// OK reports whether no inconsistency was found.
func (r ChainReport) OK() bool {
	return len(r.Tampered) == 0 && len(r.Unlinked) == 0
}

// VerifyEntries checks a seq-ordered slice of entries.
func VerifyEntries(entries []domain.AuditEntry) (ChainReport, error) {
	report := ChainReport{Checked: len(entries)}
	for i, e := range entries {
		want, err := HashEntry(e)
		if err != nil {
			return report, fmt.Errorf("hash entry %d: %w", e.Seq, err)
		}
		if want != e.Hash {
			report.Tampered = append(report.Tampered, e.Seq)
		}
		if i > 0 {
			prev := entries[i-1]
			if prev.Seq == e.Seq-1 && prev.Hash != e.PrevHash {
				report.Unlinked = append(report.Unlinked, e.Seq)
			}
		}
	}
	return report, nil
}
