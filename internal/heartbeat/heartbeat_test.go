package heartbeat

import (
	"testing"
	"time"

	"github.com/adred-codev/qiobroker/internal/client"
	"github.com/adred-codev/qiobroker/internal/protocol"
)

func TestComputeIntervals(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := Config{ClientTimeout: 30 * time.Second, PeriodicInterval: 10 * time.Second}
	hb := ComputeIntervals(now, cfg)

	wantTimeout := now.UnixNano() - (30 * time.Second).Nanoseconds()
	if hb.Timeout != wantTimeout {
		t.Fatalf("timeout mismatch: got %d want %d", hb.Timeout, wantTimeout)
	}
	wantPoll := now.UnixNano() - (55*time.Second - 10*time.Second).Nanoseconds()
	if hb.Poll != wantPoll {
		t.Fatalf("poll mismatch: got %d want %d", hb.Poll, wantPoll)
	}
	wantChallenge := now.UnixNano() - (15 * time.Minute).Nanoseconds()
	if hb.Challenge != wantChallenge {
		t.Fatalf("challenge mismatch: got %d want %d", hb.Challenge, wantChallenge)
	}
}

type fakeConn struct {
	cs          *client.Client
	action      protocol.HeartbeatAction
	err         error
	closed      bool
	closeReason string
	lastSend    int64
	lastRecv    int64
}

func (f *fakeConn) ClientState() *client.Client { return f.cs }
func (f *fakeConn) Heartbeat(hb protocol.HeartbeatIntervals, lastSend, lastRecv int64) (protocol.HeartbeatAction, error) {
	return f.action, f.err
}
func (f *fakeConn) Close(reason string) {
	f.closed = true
	f.closeReason = reason
}

func TestSweepClosesOnDeadAction(t *testing.T) {
	var total uint64
	fc := &fakeConn{cs: client.New(1, &total), action: protocol.HeartbeatDead}

	Sweep([]Conn{fc}, protocol.HeartbeatIntervals{}, 0, int64(time.Minute), nil)
	if !fc.closed {
		t.Fatalf("expected connection to be closed on HeartbeatDead")
	}
	if fc.closeReason != "timeout" {
		t.Fatalf("expected close reason %q, got %q", "timeout", fc.closeReason)
	}
}

func TestSweepChallengesOnChallengeAction(t *testing.T) {
	var total uint64
	fc := &fakeConn{cs: client.New(1, &total), action: protocol.HeartbeatChallenge}

	var challenged bool
	Sweep([]Conn{fc}, protocol.HeartbeatIntervals{}, 0, int64(time.Minute), func(c Conn) { challenged = true })

	if fc.closed {
		t.Fatalf("challenge action must not close the connection")
	}
	if !challenged {
		t.Fatalf("expected challenge callback to run")
	}
}

func TestSweepDoesNothingOnNoneAction(t *testing.T) {
	var total uint64
	fc := &fakeConn{cs: client.New(1, &total), action: protocol.HeartbeatNone}

	Sweep([]Conn{fc}, protocol.HeartbeatIntervals{}, 0, int64(time.Minute), nil)
	if fc.closed {
		t.Fatalf("expected connection to stay open")
	}
}
