package nats

import (
	"time"

	"github.com/brojonat/tokenswap/service/db"
)

// CosignEvent is a co-sign decision published to NATS.
// It is published to the subject "cosigns.{fee_payer}" in JetStream.
type CosignEvent struct {
	ID          string  `json:"id"`
	Operation   string  `json:"operation"`
	FeePayer    string  `json:"fee_payer"`
	Amount      uint64  `json:"amount"`
	MessageHash string  `json:"message_hash"`
	Decision    string  `json:"decision"`
	Reason      *string `json:"reason,omitempty"`
	Signature   *string `json:"signature,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromCosignRecord converts a stored decision to a CosignEvent for publishing.
func FromCosignRecord(rec *db.CosignRecord) *CosignEvent {
	return &CosignEvent{
		ID:          rec.ID.String(),
		Operation:   rec.Operation,
		FeePayer:    rec.FeePayer,
		Amount:      rec.Amount,
		MessageHash: rec.MessageHash,
		Decision:    rec.Decision,
		Reason:      rec.Reason,
		Signature:   rec.Signature,
		CreatedAt:   rec.CreatedAt,
		PublishedAt: time.Now().UTC(),
	}
}

// Subject returns the subject an event is published to.
func (e *CosignEvent) Subject() string {
	return SubjectPrefix + e.FeePayer
}
