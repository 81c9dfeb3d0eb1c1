package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/transfa/proof-service/internal/domain"
)

type statusUpdaterStub struct {
	err error

	called    bool
	caller    domain.Address
	attemptID uint64
	status    domain.Status
}

func (s *statusUpdaterStub) UpdateAttemptStatus(ctx context.Context, caller domain.Address, attemptID uint64, next domain.Status) (*domain.Attempt, error) {
	s.called = true
	s.caller = caller
	s.attemptID = attemptID
	s.status = next
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Attempt{ID: attemptID, Identity: "alice", Status: next}, nil
}

func (s *statusUpdaterStub) Attester() domain.Address { return testAttester }

func TestAttemptStatusConsumerAppliesReportAsAttester(t *testing.T) {
	stub := &statusUpdaterStub{}
	consumer := NewAttemptStatusConsumer(stub)

	ack := consumer.HandleMessage([]byte(`{"event_id":"evt_1","attempt_id":42,"status":"succeeded"}`))
	if !ack {
		t.Fatal("expected ack")
	}
	if !stub.called || stub.caller != testAttester || stub.attemptID != 42 || stub.status != domain.StatusSuccess {
		t.Fatalf("unexpected call %+v", stub)
	}
}

func TestAttemptStatusConsumerDropsMalformedReports(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"attempt_id":`},
		{name: "missing attempt id", body: `{"status":"failed"}`},
		{name: "unknown status", body: `{"attempt_id":3,"status":"exploded"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &statusUpdaterStub{}
			if !NewAttemptStatusConsumer(stub).HandleMessage([]byte(tt.body)) {
				t.Fatal("malformed report must be acknowledged")
			}
			if stub.called {
				t.Fatal("malformed report must not reach the service")
			}
		})
	}
}

func TestAttemptStatusConsumerAckVersusRequeue(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantAck bool
	}{
		{name: "expired is permanent", err: fmt.Errorf("attempt 3: %w", ErrAttemptExpired), wantAck: true},
		{name: "illegal transition is permanent", err: ErrIllegalTransition, wantAck: true},
		{name: "unknown attempt is permanent", err: ErrAttemptNotFound, wantAck: true},
		{name: "store failure is retried", err: errors.New("connection reset"), wantAck: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &statusUpdaterStub{err: tt.err}
			got := NewAttemptStatusConsumer(stub).HandleMessage([]byte(`{"attempt_id":3,"status":"failed"}`))
			if got != tt.wantAck {
				t.Fatalf("expected ack=%t, got %t", tt.wantAck, got)
			}
		})
	}
}
