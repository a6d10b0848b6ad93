package store

import (
	"context"
	"fmt"
	"time"
)

// DedupRepo records inbound provider message ids so webhook retries are handled once.
type DedupRepo interface {
	// RecordInbound stores (channel, externalID). It returns false when the pair was
	// already recorded.
	RecordInbound(ctx context.Context, channel, externalID string) (bool, error)
	// MarkInboundProcessed sets processed_at for a recorded pair.
	MarkInboundProcessed(ctx context.Context, channel, externalID string) error
	// ForgetInbound removes an unprocessed pair so a provider retry is handled again.
	// Processed pairs are kept.
	ForgetInbound(ctx context.Context, channel, externalID string) error
}

var (
	_ DedupRepo = (*sqlStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

func (s *sqlStore) RecordInbound(ctx context.Context, channel, externalID string) (bool, error) {
	_, err := s.exec(ctx, s.db, `INSERT INTO inbound_dedup (channel, external_id, received_at) VALUES (?, ?, ?)`,
		channel, externalID, time.Now().UTC())
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) MarkInboundProcessed(ctx context.Context, channel, externalID string) error {
	_, err := s.exec(ctx, s.db, `UPDATE inbound_dedup SET processed_at = ? WHERE channel = ? AND external_id = ?`,
		time.Now().UTC(), channel, externalID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ForgetInbound(ctx context.Context, channel, externalID string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM inbound_dedup WHERE channel = ? AND external_id = ? AND processed_at IS NULL`,
		channel, externalID)
	if err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

type dedupKey struct{ channel, externalID string }

func (s *InMemoryStore) RecordInbound(_ context.Context, channel, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbound == nil {
		s.inbound = map[dedupKey]*time.Time{}
	}
	k := dedupKey{channel, externalID}
	if _, seen := s.inbound[k]; seen {
		return false, nil
	}
	s.inbound[k] = nil
	return true, nil
}

func (s *InMemoryStore) MarkInboundProcessed(_ context.Context, channel, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dedupKey{channel, externalID}
	if _, seen := s.inbound[k]; !seen {
		return missing("inbound message", externalID)
	}
	now := time.Now().UTC()
	s.inbound[k] = &now
	return nil
}

func (s *InMemoryStore) ForgetInbound(_ context.Context, channel, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dedupKey{channel, externalID}
	if at, seen := s.inbound[k]; seen && at == nil {
		delete(s.inbound, k)
	}
	return nil
}
