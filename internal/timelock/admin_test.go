package timelock_test

import (
	"SettleCore/internal/timelock"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newAdmin() (*timelock.Admin, uuid.UUID, uuid.UUID) {
	guardian := uuid.New()
	proposer := uuid.New()
	return timelock.NewAdmin(7*24*time.Hour, guardian), guardian, proposer
}

func TestPropose_SecondProposalForKeyRejected(t *testing.T) {
	a, _, proposer := newAdmin()

	err := a.Propose(uuid.New(), timelock.KeyVolumeCap, []byte("1000"), 48*time.Hour, proposer, t0)
	if err != nil {
		t.Fatal(err)
	}

	// Attempting to replace the in-flight change with a shorter delay.
	err = a.Propose(uuid.New(), timelock.KeyVolumeCap, []byte("2000"), time.Hour, proposer, t0.Add(time.Minute))
	if !errors.Is(err, timelock.ErrProposalPending) {
		t.Errorf("got %v, want ErrProposalPending", err)
	}
}

func TestPropose_CriticalDelayFloor(t *testing.T) {
	a, _, proposer := newAdmin()

	// KeyFeePolicy is pre-seeded critical with a 7-day minimum.
	err := a.Propose(uuid.New(), timelock.KeyFeePolicy, []byte("{}"), time.Hour, proposer, t0)
	if !errors.Is(err, timelock.ErrDelayTooShort) {
		t.Errorf("got %v, want ErrDelayTooShort (no silent clamping)", err)
	}

	if err := a.Propose(uuid.New(), timelock.KeyFeePolicy, []byte("{}"), 7*24*time.Hour, proposer, t0); err != nil {
		t.Errorf("delay at the floor should be accepted: %v", err)
	}
}

func TestPropose_DuplicateIDRejected(t *testing.T) {
	a, guardian, proposer := newAdmin()

	id := uuid.New()
	if err := a.Propose(id, timelock.KeyVolumeCap, []byte("1000"), time.Hour, proposer, t0); err != nil {
		t.Fatal(err)
	}
	if err := a.Cancel(id, guardian); err != nil {
		t.Fatal(err)
	}

	// The key is free again, but the id is burned.
	err := a.Propose(id, timelock.KeyVolumeCap, []byte("2000"), time.Hour, proposer, t0)
	if !errors.Is(err, timelock.ErrProposalPending) {
		t.Errorf("got %v, want ErrProposalPending", err)
	}
}

func TestExecute_TooEarly(t *testing.T) {
	a, _, proposer := newAdmin()

	id := uuid.New()
	if err := a.Propose(id, timelock.KeyVolumeCap, []byte("1000"), 48*time.Hour, proposer, t0); err != nil {
		t.Fatal(err)
	}

	_, err := a.Execute(id, t0.Add(47*time.Hour))
	if !errors.Is(err, timelock.ErrTooEarly) {
		t.Errorf("got %v, want ErrTooEarly", err)
	}

	p, err := a.Execute(id, t0.Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if p.State != timelock.StateExecuted {
		t.Errorf("state: got %v, want executed", p.State)
	}
}

func TestExecute_Idempotency(t *testing.T) {
	a, _, proposer := newAdmin()

	id := uuid.New()
	a.Propose(id, timelock.KeyVolumeCap, []byte("1000"), time.Hour, proposer, t0)
	if _, err := a.Execute(id, t0.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	_, err := a.Execute(id, t0.Add(3*time.Hour))
	if !errors.Is(err, timelock.ErrAlreadyExecuted) {
		t.Errorf("got %v, want ErrAlreadyExecuted", err)
	}

	_, err = a.Execute(uuid.New(), t0)
	if !errors.Is(err, timelock.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestExecute_FreesKeyForNewProposal(t *testing.T) {
	a, _, proposer := newAdmin()

	id := uuid.New()
	a.Propose(id, timelock.KeyVolumeCap, []byte("1000"), time.Hour, proposer, t0)
	if _, err := a.Execute(id, t0.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := a.Propose(uuid.New(), timelock.KeyVolumeCap, []byte("2000"), time.Hour, proposer, t0.Add(3*time.Hour)); err != nil {
		t.Errorf("key should be free after execute: %v", err)
	}
}

func TestCancel_GuardianOnly(t *testing.T) {
	a, guardian, proposer := newAdmin()

	id := uuid.New()
	a.Propose(id, timelock.KeyVolumeCap, []byte("1000"), time.Hour, proposer, t0)

	err := a.Cancel(id, proposer)
	if !errors.Is(err, timelock.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}

	if err := a.Cancel(id, guardian); err != nil {
		t.Fatal(err)
	}

	_, err = a.Execute(id, t0.Add(2*time.Hour))
	if !errors.Is(err, timelock.ErrAlreadyCancelled) {
		t.Errorf("got %v, want ErrAlreadyCancelled", err)
	}

	// Cancellation frees the key.
	if err := a.Propose(uuid.New(), timelock.KeyVolumeCap, []byte("3000"), time.Hour, proposer, t0); err != nil {
		t.Errorf("key should be free after cancel: %v", err)
	}
}

func TestReclassificationKeysAlwaysCritical(t *testing.T) {
	a, _, proposer := newAdmin()

	// Even if someone flips the flag, the reclassification keys stay critical.
	a.SetCritical(timelock.KeyCriticalMinimum, false)
	a.SetCritical(timelock.KeyCriticalSet, false)

	err := a.Propose(uuid.New(), timelock.KeyCriticalMinimum, []byte("1h"), time.Hour, proposer, t0)
	if !errors.Is(err, timelock.ErrDelayTooShort) {
		t.Errorf("KeyCriticalMinimum: got %v, want ErrDelayTooShort", err)
	}
	err = a.Propose(uuid.New(), timelock.KeyCriticalSet, []byte("{}"), time.Hour, proposer, t0)
	if !errors.Is(err, timelock.ErrDelayTooShort) {
		t.Errorf("KeyCriticalSet: got %v, want ErrDelayTooShort", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	a, guardian, proposer := newAdmin()

	id := uuid.New()
	a.Propose(id, timelock.KeyVolumeCap, []byte("1000"), 48*time.Hour, proposer, t0)
	a.SetCritical(timelock.KeyVolumePeriod, true)

	restored := timelock.NewAdmin(time.Hour, uuid.New())
	restored.Restore(a.Snapshot())

	if restored.CriticalMinimum() != 7*24*time.Hour {
		t.Errorf("critical minimum: got %s", restored.CriticalMinimum())
	}
	if !restored.IsCritical(timelock.KeyVolumePeriod) {
		t.Error("reclassified key lost across restore")
	}

	// The pending proposal survives and still blocks the key.
	err := restored.Propose(uuid.New(), timelock.KeyVolumeCap, []byte("X"), time.Hour, proposer, t0)
	if !errors.Is(err, timelock.ErrProposalPending) {
		t.Errorf("got %v, want ErrProposalPending", err)
	}

	// Guardian identity survives.
	if err := restored.Cancel(id, guardian); err != nil {
		t.Errorf("guardian should survive restore: %v", err)
	}
}
