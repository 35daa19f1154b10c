package event

import (
	"time"

	"github.com/google/uuid"
)

// TimelockPropose queues a configuration change behind the mandatory delay.
type TimelockPropose struct {
	RequestID uuid.UUID
	Key       string
	NewValue  []byte // JSON-encoded parameter value
	DelayUs   int64  // delay in microseconds
	Proposer  uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (r *TimelockPropose) IdempotencyKey() string   { return "tl-propose:" + r.RequestID.String() }
func (r *TimelockPropose) RequestType() RequestType { return RequestTypeTimelockPropose }
func (r *TimelockPropose) Partition() string        { return "admin" }
func (r *TimelockPropose) SourceSequence() int64    { return r.Sequence }
func (r *TimelockPropose) OccurredAt() time.Time    { return r.Timestamp }

func (r *TimelockPropose) Delay() time.Duration {
	return time.Duration(r.DelayUs) * time.Microsecond
}

// TimelockExecute applies a matured proposal.
type TimelockExecute struct {
	RequestID  uuid.UUID
	ProposalID uuid.UUID
	Sequence   int64
	Timestamp  time.Time
}

func (r *TimelockExecute) IdempotencyKey() string   { return "tl-execute:" + r.RequestID.String() }
func (r *TimelockExecute) RequestType() RequestType { return RequestTypeTimelockExecute }
func (r *TimelockExecute) Partition() string        { return "admin" }
func (r *TimelockExecute) SourceSequence() int64    { return r.Sequence }
func (r *TimelockExecute) OccurredAt() time.Time    { return r.Timestamp }

// TimelockCancel aborts a pending proposal (guardian role).
type TimelockCancel struct {
	RequestID  uuid.UUID
	ProposalID uuid.UUID
	Caller     uuid.UUID
	Sequence   int64
	Timestamp  time.Time
}

func (r *TimelockCancel) IdempotencyKey() string   { return "tl-cancel:" + r.RequestID.String() }
func (r *TimelockCancel) RequestType() RequestType { return RequestTypeTimelockCancel }
func (r *TimelockCancel) Partition() string        { return "admin" }
func (r *TimelockCancel) SourceSequence() int64    { return r.Sequence }
func (r *TimelockCancel) OccurredAt() time.Time    { return r.Timestamp }
