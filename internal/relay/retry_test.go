package relay

import (
	"testing"
	"time"

	"github.com/ava-doorbell/relay/internal/backchannel"
)

func TestRetryBudgetAndDelays(t *testing.T) {
	s := &retryState{}
	now := time.Unix(0, 0)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range wantDelays {
		got, _, gaveUp := s.onFailure(backchannel.DescribeOther, now)
		if gaveUp {
			t.Fatalf("attempt %d: unexpected give-up", i+1)
		}
		if got != want {
			t.Fatalf("attempt %d: backoff = %v, want %v", i+1, got, want)
		}
	}

	_, _, gaveUp := s.onFailure(backchannel.DescribeOther, now)
	if !gaveUp {
		t.Fatal("expected give-up on 5th consecutive failure")
	}
	if s.failCount != maxFailCount {
		t.Fatalf("failCount = %d, want %d", s.failCount, maxFailCount)
	}
}

func TestResetTriggersOnlyOnceAtThirdDescribe404(t *testing.T) {
	s := &retryState{}
	now := time.Unix(0, 0)

	_, trigger1, _ := s.onFailure(backchannel.DescribeNotFound, now)
	_, trigger2, _ := s.onFailure(backchannel.DescribeNotFound, now)
	_, trigger3, _ := s.onFailure(backchannel.DescribeNotFound, now)
	if trigger1 || trigger2 {
		t.Fatal("reset helper must not trigger before the 3rd failure")
	}
	if !trigger3 {
		t.Fatal("reset helper must trigger exactly on the 3rd DESCRIBE_404 failure")
	}

	_, trigger4, _ := s.onFailure(backchannel.DescribeNotFound, now)
	if trigger4 {
		t.Fatal("reset helper must run at most once per session")
	}
}

func TestResetDoesNotTriggerForOtherKinds(t *testing.T) {
	s := &retryState{}
	now := time.Unix(0, 0)
	s.onFailure(backchannel.DescribeOther, now)
	s.onFailure(backchannel.DescribeOther, now)
	_, trigger, _ := s.onFailure(backchannel.DescribeOther, now)
	if trigger {
		t.Fatal("reset helper must only trigger for DESCRIBE_404")
	}
}

func TestOnSuccessResetsState(t *testing.T) {
	s := &retryState{}
	now := time.Unix(0, 0)
	s.onFailure(backchannel.DescribeOther, now)
	s.onFailure(backchannel.DescribeOther, now)
	s.onSuccess()
	if s.failCount != 0 || !s.backoffUntil.IsZero() || s.resetAttempted {
		t.Fatalf("onSuccess did not fully reset state: %+v", s)
	}
}

func TestReadyRespectsBackoffAndGaveUp(t *testing.T) {
	s := &retryState{}
	now := time.Unix(100, 0)
	s.onFailure(backchannel.DescribeOther, now)
	if s.ready(now) {
		t.Fatal("should not be ready immediately after a failure sets backoff")
	}
	if !s.ready(now.Add(3 * time.Second)) {
		t.Fatal("should be ready once backoff window elapses")
	}

	s.gaveUp = true
	if s.ready(now.Add(time.Hour)) {
		t.Fatal("gave-up session must never report ready")
	}
}
