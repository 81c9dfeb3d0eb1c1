package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/transfa/proof-service/internal/domain"
)

// StatusUpdater is the part of Service the consumer drives.
type StatusUpdater interface {
	UpdateAttemptStatus(ctx context.Context, caller domain.Address, attemptID uint64, next domain.Status) (*domain.Attempt, error)
	Attester() domain.Address
}

// AttemptStatusConsumer applies verifier outcome reports as the configured attester.
type AttemptStatusConsumer struct {
	service StatusUpdater
}

func NewAttemptStatusConsumer(service StatusUpdater) *AttemptStatusConsumer {
	return &AttemptStatusConsumer{service: service}
}

// HandleMessage returns true to acknowledge the delivery and false to requeue it.
func (c *AttemptStatusConsumer) HandleMessage(body []byte) bool {
	var report domain.AttemptStatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		log.Printf("level=warn component=attempt_status_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	if report.AttemptID == 0 {
		log.Printf("level=warn component=attempt_status_consumer event_id=%s msg=\"missing attempt id; dropping\"", report.EventID)
		return true
	}

	status, err := domain.ParseStatus(report.Status)
	if err != nil {
		log.Printf("level=warn component=attempt_status_consumer event_id=%s attempt_id=%d msg=\"unknown status; dropping\" err=%v", report.EventID, report.AttemptID, err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	attempt, err := c.service.UpdateAttemptStatus(ctx, c.service.Attester(), report.AttemptID, status)
	if err != nil {
		if isPermanentRejection(err) {
			log.Printf("level=info component=attempt_status_consumer event_id=%s attempt_id=%d status=%s kind=%s msg=\"report rejected; acknowledging\" err=%q", report.EventID, report.AttemptID, status, KindOf(err), err)
			return true
		}
		log.Printf("level=error component=attempt_status_consumer event_id=%s attempt_id=%d status=%s msg=\"processing error; re-queuing\" err=%q", report.EventID, report.AttemptID, status, err)
		return false
	}

	log.Printf("level=info component=attempt_status_consumer event_id=%s attempt_id=%d status=%s identity=%q msg=\"report applied\"", report.EventID, attempt.ID, attempt.Status, attempt.Identity)
	return true
}

// isPermanentRejection reports whether redelivering the same report can never succeed.
func isPermanentRejection(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindAuthorization, KindNotFound, KindState:
		return true
	default:
		return false
	}
}
