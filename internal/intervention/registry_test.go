package intervention

import (
	"context"
	"testing"
	"time"

	"github.com/memnexus/memnexus/internal/common/config"
	"github.com/memnexus/memnexus/internal/common/logger"
)

func newTestRegistry(intervalSec int) *Registry {
	return New(config.InterventionConfig{MonitorInterval: intervalSec}, logger.Default())
}

func TestRequestApprovalStartsWaitingForHuman(t *testing.T) {
	r := newTestRegistry(0)
	p := r.RequestApproval("session-1", "task-1", "Review schema", "please review", nil, 0)
	if p.Status != StatusWaitingForHuman {
		t.Fatalf("expected waiting_for_human, got %s", p.Status)
	}
	if len(p.ID) != 8 {
		t.Errorf("expected 8-char id, got %q", p.ID)
	}
}

func TestResolveApprove(t *testing.T) {
	r := newTestRegistry(0)
	p := r.RequestApproval("session-1", "task-1", "Review", "", nil, 0)

	resolved, err := r.Resolve(p.ID, ActionApprove, "looks good", "alice")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Status != StatusApproved {
		t.Errorf("expected approved, got %s", resolved.Status)
	}
	if resolved.ResolvedBy != "alice" {
		t.Errorf("expected resolved_by=alice, got %q", resolved.ResolvedBy)
	}
}

func TestDoubleResolveIsNoOp(t *testing.T) {
	r := newTestRegistry(0)
	p := r.RequestApproval("session-1", "task-1", "Review", "", nil, 0)

	first, err := r.Resolve(p.ID, ActionReject, "no", "bob")
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	second, err := r.Resolve(p.ID, ActionApprove, "changed my mind", "carol")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if second.Status != first.Status {
		t.Errorf("expected second resolve to be a no-op, first=%s second=%s", first.Status, second.Status)
	}
	if second.ResolvedBy != "bob" {
		t.Errorf("expected resolved_by to remain bob, got %q", second.ResolvedBy)
	}
}

func TestWaitForResolutionUnblocksOnResolve(t *testing.T) {
	r := newTestRegistry(0)
	p := r.RequestApproval("session-1", "task-1", "Review", "", nil, 0)

	resultCh := make(chan *Point, 1)
	errCh := make(chan error, 1)
	go func() {
		resolved, err := r.WaitForResolution(context.Background(), p.ID)
		resultCh <- resolved
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := r.Resolve(p.ID, ActionApprove, "", "system"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	select {
	case resolved := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("wait returned error: %v", err)
		}
		if resolved.Status != StatusApproved {
			t.Errorf("expected approved, got %s", resolved.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolution")
	}
}

func TestSweepExpiresOverdueDeadline(t *testing.T) {
	r := newTestRegistry(0)
	p := r.RequestApproval("session-1", "task-1", "Review", "", nil, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	r.sweep()

	got, ok := r.Get(p.ID)
	if !ok {
		t.Fatal("expected point to still be tracked")
	}
	if got.Status != StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
}

func TestPolicyShouldIntervene(t *testing.T) {
	r := newTestRegistry(0)
	if !r.CheckPolicy("destructive_ops", map[string]interface{}{"operation_type": "delete"}) {
		t.Error("expected destructive_ops to trigger on operation_type=delete")
	}
	if r.CheckPolicy("destructive_ops", map[string]interface{}{"operation_type": "read"}) {
		t.Error("expected destructive_ops not to trigger on operation_type=read")
	}
	if !r.CheckPolicy("expensive_ops", map[string]interface{}{"estimated_cost": 150.0}) {
		t.Error("expected expensive_ops to trigger on estimated_cost=150")
	}
}

func TestBySessionFiltersByStatus(t *testing.T) {
	r := newTestRegistry(0)
	p1 := r.RequestApproval("session-1", "task-1", "A", "", nil, 0)
	r.RequestApproval("session-1", "task-2", "B", "", nil, 0)

	if _, err := r.Resolve(p1.ID, ActionApprove, "", "system"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	approved := r.BySession("session-1", StatusApproved)
	if len(approved) != 1 || approved[0].ID != p1.ID {
		t.Fatalf("expected exactly p1 in approved set, got %d results", len(approved))
	}

	all := r.BySession("session-1", "")
	if len(all) != 2 {
		t.Fatalf("expected 2 total points for session-1, got %d", len(all))
	}
}
