package event

import (
	"time"

	"github.com/google/uuid"
)

// ComplianceRefresh asks the gate to re-query the oracle for one
// (account, asset) pair. Only the authorized refresher publishes these.
type ComplianceRefresh struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Asset     string
	Sequence  int64
	Timestamp time.Time
}

func (r *ComplianceRefresh) IdempotencyKey() string   { return "cmp-refresh:" + r.RequestID.String() }
func (r *ComplianceRefresh) RequestType() RequestType { return RequestTypeComplianceRefresh }
func (r *ComplianceRefresh) Partition() string        { return "compliance" }
func (r *ComplianceRefresh) SourceSequence() int64    { return r.Sequence }
func (r *ComplianceRefresh) OccurredAt() time.Time    { return r.Timestamp }

// ComplianceInvalidate drops a cached verdict immediately.
type ComplianceInvalidate struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Asset     string
	Sequence  int64
	Timestamp time.Time
}

func (r *ComplianceInvalidate) IdempotencyKey() string {
	return "cmp-invalidate:" + r.RequestID.String()
}
func (r *ComplianceInvalidate) RequestType() RequestType { return RequestTypeComplianceInvalidate }
func (r *ComplianceInvalidate) Partition() string        { return "compliance" }
func (r *ComplianceInvalidate) SourceSequence() int64    { return r.Sequence }
func (r *ComplianceInvalidate) OccurredAt() time.Time    { return r.Timestamp }
