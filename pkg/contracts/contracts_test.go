package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusPending))
	assert.True(t, StatusPending.CanTransition(StatusProcessed))
	assert.True(t, StatusPending.CanTransition(StatusFailed))
	assert.False(t, StatusProcessed.CanTransition(StatusPending))
	assert.False(t, StatusFailed.CanTransition(StatusProcessed))
	assert.False(t, StatusPending.CanTransition(Status("DONE")))
}

func TestDecodeRequest(t *testing.T) {
	req := &TransactionRequest{
		IdempotencyKey: "k1",
		Subject:        "user-42",
		Kind:           "payment",
		Payload:        json.RawMessage(`{"amount":10}`),
		SubmittedAt:    time.Unix(1700000000, 0).UTC(),
	}
	body, err := req.Encode()
	require.NoError(t, err)

	got, err := DecodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, req.IdempotencyKey, got.IdempotencyKey)
	assert.JSONEq(t, `{"amount":10}`, string(got.Payload))

	_, err = DecodeRequest([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = DecodeRequest([]byte(`{"subject":"user-42","kind":"payment","payload":{}}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRecord_LeaseAndClone(t *testing.T) {
	now := time.Now()
	req := &TransactionRequest{IdempotencyKey: "k", Subject: "s", Kind: "payment", Payload: json.RawMessage(`{}`)}
	rec := NewPendingRecord(req, now, time.Minute)

	assert.True(t, rec.Leased(now))
	assert.False(t, rec.Leased(now.Add(2*time.Minute)))
	assert.Equal(t, 1, rec.AttemptCount)

	c := rec.Clone()
	c.Payload[0] = '['
	assert.Equal(t, byte('{'), rec.Payload[0])
	assert.Equal(t, req.IdempotencyKey, rec.Request().IdempotencyKey)
}
