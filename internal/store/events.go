package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// ArchiveEvent stores the verbatim payload of an inbound provider event and
// returns its local id.
func (s *Store) ArchiveEvent(ctx context.Context, source, eventName, externalID string, payload []byte) (string, error) {
	id := uuid.NewString()
	if !json.Valid(payload) {
		b, _ := json.Marshal(string(payload))
		payload = b
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public.billing_events (id, source, event_name, external_id, payload, processed, received_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, false, NOW())
	`, id, source, eventName, externalID, payload)
	if err != nil {
		return "", mapErr(err)
	}
	return id, nil
}

// MarkEventProcessed records the outcome of dispatching an archived event.
// A nil procErr marks it processed.
func (s *Store) MarkEventProcessed(ctx context.Context, id string, procErr error) error {
	var msg any
	if procErr != nil {
		msg = procErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE public.billing_events SET processed = $2, error = $3 WHERE id = $1
	`, id, procErr == nil, msg)
	return mapErr(err)
}
