package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onesub/tool-auth/storage"
)

// revocationRecordJSON is the JSON representation of a revocation record
type revocationRecordJSON struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	ToolID       string            `json:"tool_id"`
	Reason       string            `json:"reason"`
	RevokedBy    string            `json:"revoked_by,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RevokedAt    int64             `json:"revoked_at"`
	PropagatedAt int64             `json:"propagated_at,omitempty"`
}

// revocationIDRefJSON is the ID index payload pointing back to the pair key
type revocationIDRefJSON struct {
	UserID string `json:"user_id"`
	ToolID string `json:"tool_id"`
}

func toRevocationRecordJSON(record *storage.RevocationRecord) *revocationRecordJSON {
	j := &revocationRecordJSON{
		ID:        record.ID,
		UserID:    record.UserID,
		ToolID:    record.ToolID,
		Reason:    record.Reason,
		RevokedBy: record.RevokedBy,
		Metadata:  record.Metadata,
		RevokedAt: record.RevokedAt.Unix(),
	}
	if !record.PropagatedAt.IsZero() {
		j.PropagatedAt = record.PropagatedAt.Unix()
	}
	return j
}

func fromRevocationRecordJSON(j *revocationRecordJSON) *storage.RevocationRecord {
	if j == nil {
		return nil
	}
	record := &storage.RevocationRecord{
		ID:        j.ID,
		UserID:    j.UserID,
		ToolID:    j.ToolID,
		Reason:    j.Reason,
		RevokedBy: j.RevokedBy,
		Metadata:  j.Metadata,
		RevokedAt: time.Unix(j.RevokedAt, 0),
	}
	if j.PropagatedAt > 0 {
		record.PropagatedAt = time.Unix(j.PropagatedAt, 0)
	}
	return record
}

// Upsert records a revocation for (record.UserID, record.ToolID). Idempotent:
// if an uncleared record already exists, its reason and metadata are updated
// in place and the existing record is returned.
func (s *Store) Upsert(ctx context.Context, record *storage.RevocationRecord) (*storage.RevocationRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("revocation record is required")
	}
	if err := validateID(record.ID, "revocation ID"); err != nil {
		return nil, err
	}
	if err := validateID(record.UserID, "user ID"); err != nil {
		return nil, err
	}
	if err := validateID(record.ToolID, "tool ID"); err != nil {
		return nil, err
	}

	key := s.revocationKey(record.UserID, record.ToolID)

	existing, err := getAndUnmarshal[revocationRecordJSON](ctx, s, key,
		storage.ErrRevocationNotFound, fromRevocationRecordJSON)
	if err == nil {
		existing.Reason = record.Reason
		if record.RevokedBy != "" {
			existing.RevokedBy = record.RevokedBy
		}
		if len(record.Metadata) > 0 {
			if existing.Metadata == nil {
				existing.Metadata = make(map[string]string, len(record.Metadata))
			}
			for k, v := range record.Metadata {
				existing.Metadata[k] = v
			}
		}

		if err := s.writeRevocation(ctx, key, existing); err != nil {
			return nil, err
		}

		s.logger.Debug("Updated existing revocation",
			"revocation_id", existing.ID, "tool_id", existing.ToolID)
		return existing, nil
	}

	if err := s.writeRevocation(ctx, key, record); err != nil {
		return nil, err
	}

	ref, err := json.Marshal(&revocationIDRefJSON{UserID: record.UserID, ToolID: record.ToolID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal revocation index: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.revocationIDKey(record.ID)).Value(string(ref)).Build(),
	).Error(); err != nil {
		return nil, fmt.Errorf("failed to save revocation index: %w", err)
	}

	s.logger.Debug("Saved revocation",
		"revocation_id", record.ID, "tool_id", record.ToolID, "reason", record.Reason)

	out := *record
	return &out, nil
}

// Get retrieves the active (uncleared) revocation record for a pair.
// Returns storage.ErrRevocationNotFound when the pair is not revoked.
func (s *Store) Get(ctx context.Context, userID, toolID string) (*storage.RevocationRecord, error) {
	if err := validateID(userID, "user ID"); err != nil {
		return nil, err
	}
	if err := validateID(toolID, "tool ID"); err != nil {
		return nil, err
	}

	return getAndUnmarshal[revocationRecordJSON](ctx, s, s.revocationKey(userID, toolID),
		storage.ErrRevocationNotFound, fromRevocationRecordJSON)
}

// Clear lifts the active revocation for a pair. Returns false if no active
// record existed. Only the active pair key is removed; the ID index is kept
// so the cleared record remains addressable for audit purposes.
func (s *Store) Clear(ctx context.Context, userID, toolID string) (bool, error) {
	if err := validateID(userID, "user ID"); err != nil {
		return false, err
	}
	if err := validateID(toolID, "tool ID"); err != nil {
		return false, err
	}

	deleted, err := s.client.Do(ctx,
		s.client.B().Del().Key(s.revocationKey(userID, toolID)).Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to clear revocation: %w", err)
	}

	if deleted > 0 {
		s.logger.Debug("Cleared revocation", "user_id", userID, "tool_id", toolID)
	}
	return deleted > 0, nil
}

// MarkPropagated records that the revocation has been delivered to the
// vendor's webhook. A revocation cleared in the meantime is not an error.
func (s *Store) MarkPropagated(ctx context.Context, revocationID string) error {
	if err := validateID(revocationID, "revocation ID"); err != nil {
		return err
	}

	ref, err := getAndUnmarshal[revocationIDRefJSON](ctx, s, s.revocationIDKey(revocationID),
		storage.ErrRevocationNotFound,
		func(j *revocationIDRefJSON) *revocationIDRefJSON { return j })
	if err != nil {
		return err
	}

	key := s.revocationKey(ref.UserID, ref.ToolID)
	record, err := getAndUnmarshal[revocationRecordJSON](ctx, s, key,
		storage.ErrRevocationNotFound, fromRevocationRecordJSON)
	if err != nil {
		return err
	}
	if record.ID != revocationID {
		// The pair has been re-revoked under a new ID since this delivery
		// started; the stale delivery has nothing left to mark.
		return storage.ErrRevocationNotFound
	}

	record.PropagatedAt = time.Now()
	if err := s.writeRevocation(ctx, key, record); err != nil {
		return err
	}

	s.logger.Debug("Marked revocation propagated", "revocation_id", revocationID)
	return nil
}

func (s *Store) writeRevocation(ctx context.Context, key string, record *storage.RevocationRecord) error {
	data, err := json.Marshal(toRevocationRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal revocation record: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save revocation record: %w", err)
	}
	return nil
}
