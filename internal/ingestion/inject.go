package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"SettleCore/internal/event"

	"github.com/google/uuid"
)

// InjectService provides admin/manual request injection. It backs the
// admin HTTP endpoints; high-throughput ingestion goes through NATS.
//
// The core validates source sequences as a dense per-partition counter, so
// injected requests draw theirs from a SequenceAllocator seeded with the
// core's recovered sequence state. The mutex spans allocation AND the
// channel send: without it two handlers could allocate in one order and
// enqueue in the other, and the later sequence would arrive first and be
// rejected as a gap.
type InjectService struct {
	mu          sync.Mutex
	requestChan chan<- event.Request
	seqs        *SequenceAllocator
}

func NewInjectService(requestChan chan<- event.Request, seqs *SequenceAllocator) *InjectService {
	return &InjectService{requestChan: requestChan, seqs: seqs}
}

// enqueue assigns the next sequence for the request's partition and sends.
// seq points at the request's Sequence field.
func (s *InjectService) enqueue(ctx context.Context, req event.Request, seq *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	*seq = s.seqs.Next(req.Partition())

	select {
	case s.requestChan <- req:
		return nil
	case <-ctx.Done():
		// The mutex is still held, so the allocation is the newest one
		// and retracting it cannot desync the partition counter. Dropping
		// the sequence instead would gap the partition forever.
		s.seqs.retract(req.Partition())
		return ctx.Err()
	}
}

// InjectDeposit manually injects a DepositConfirmed request. Actual
// defaults to the requested amount when the custodian reports no slippage.
func (s *InjectService) InjectDeposit(
	ctx context.Context,
	account uuid.UUID,
	asset string,
	requested, actual uint64,
) error {
	if actual == 0 {
		return fmt.Errorf("actual amount must be positive")
	}
	if actual > requested {
		return fmt.Errorf("actual %d exceeds requested %d", actual, requested)
	}

	req := &event.DepositConfirmed{
		DepositID: uuid.New(),
		Account:   account,
		Asset:     asset,
		Requested: requested,
		Actual:    actual,
		Timestamp: time.Now(),
	}
	return s.enqueue(ctx, req, &req.Sequence)
}

// InjectWithdrawal manually injects a WithdrawRequested request.
func (s *InjectService) InjectWithdrawal(
	ctx context.Context,
	account uuid.UUID,
	asset string,
	amount uint64,
) error {
	if amount == 0 {
		return fmt.Errorf("amount must be positive")
	}

	req := &event.WithdrawRequested{
		WithdrawalID: uuid.New(),
		Account:      account,
		Asset:        asset,
		Amount:       amount,
		Timestamp:    time.Now(),
	}
	return s.enqueue(ctx, req, &req.Sequence)
}

// InjectClaim manually injects a ClaimFees request for a fee recipient.
func (s *InjectService) InjectClaim(
	ctx context.Context,
	recipient uuid.UUID,
	asset string,
) error {
	req := &event.ClaimFees{
		ClaimID:   uuid.New(),
		Recipient: recipient,
		Asset:     asset,
		Timestamp: time.Now(),
	}
	return s.enqueue(ctx, req, &req.Sequence)
}

// InjectComplianceRefresh manually injects a ComplianceRefresh request.
func (s *InjectService) InjectComplianceRefresh(
	ctx context.Context,
	account uuid.UUID,
	asset string,
) error {
	req := &event.ComplianceRefresh{
		RequestID: uuid.New(),
		Account:   account,
		Asset:     asset,
		Timestamp: time.Now(),
	}
	return s.enqueue(ctx, req, &req.Sequence)
}

// InjectComplianceInvalidate manually injects a cache invalidation.
func (s *InjectService) InjectComplianceInvalidate(
	ctx context.Context,
	account uuid.UUID,
	asset string,
) error {
	req := &event.ComplianceInvalidate{
		RequestID: uuid.New(),
		Account:   account,
		Asset:     asset,
		Timestamp: time.Now(),
	}
	return s.enqueue(ctx, req, &req.Sequence)
}

// InjectTimelockPropose manually injects a proposal for a parameter change
// and returns the request id, which doubles as the proposal id.
func (s *InjectService) InjectTimelockPropose(
	ctx context.Context,
	key string,
	newValue []byte,
	delay time.Duration,
	proposer uuid.UUID,
) (uuid.UUID, error) {
	if key == "" {
		return uuid.Nil, fmt.Errorf("key must not be empty")
	}

	req := &event.TimelockPropose{
		RequestID: uuid.New(),
		Key:       key,
		NewValue:  newValue,
		DelayUs:   delay.Microseconds(),
		Proposer:  proposer,
		Timestamp: time.Now(),
	}
	if err := s.enqueue(ctx, req, &req.Sequence); err != nil {
		return uuid.Nil, err
	}
	return req.RequestID, nil
}

// InjectTimelockExecute manually injects an execute for a matured proposal.
func (s *InjectService) InjectTimelockExecute(
	ctx context.Context,
	proposalID uuid.UUID,
) error {
	req := &event.TimelockExecute{
		RequestID:  uuid.New(),
		ProposalID: proposalID,
		Timestamp:  time.Now(),
	}
	return s.enqueue(ctx, req, &req.Sequence)
}

// InjectTimelockCancel manually injects a guardian cancellation.
func (s *InjectService) InjectTimelockCancel(
	ctx context.Context,
	proposalID uuid.UUID,
	caller uuid.UUID,
) error {
	req := &event.TimelockCancel{
		RequestID:  uuid.New(),
		ProposalID: proposalID,
		Caller:     caller,
		Timestamp:  time.Now(),
	}
	return s.enqueue(ctx, req, &req.Sequence)
}
