package session

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAutomator struct {
	joinErr    error
	joinCalls  atomic.Int32
	leaveCalls atomic.Int32
	grantCalls atomic.Int32
	joinedPort atomic.Int32
}

func (f *fakeAutomator) Join(ctx context.Context, ingestPort int) error {
	f.joinCalls.Add(1)
	f.joinedPort.Store(int32(ingestPort))
	return f.joinErr
}

func (f *fakeAutomator) Leave(ctx context.Context) error {
	f.leaveCalls.Add(1)
	return nil
}

func (f *fakeAutomator) GrantPermissions(ctx context.Context) error {
	f.grantCalls.Add(1)
	return nil
}

func (f *fakeAutomator) SendOutboundAudio(pcm []byte, sampleRate int) {}

func (f *fakeAutomator) WantsVideoFrames() bool { return false }

func testConfig() Config {
	return Config{
		BindAttempts: 5,
		OutputWidth:  640,
		OutputHeight: 480,
		JoinTimeout:  5 * time.Second,
		LeaveTimeout: time.Second,
		DrainQuiet:   50 * time.Millisecond,
		DrainMax:     time.Second,
	}
}

func TestJoinSuccess(t *testing.T) {
	t.Parallel()

	auto := &fakeAutomator{}
	s := New(testConfig(), auto, Callbacks{}, nil)
	if s.State() != StateJoining {
		t.Fatalf("initial state: got %s, want joining", s.State())
	}

	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Leave(context.Background())

	if s.State() != StateInCall {
		t.Errorf("state after join: got %s, want in_call", s.State())
	}
	if auto.joinedPort.Load() == 0 {
		t.Error("automator was not told the ingest port")
	}
	if int(auto.joinedPort.Load()) != s.IngestPort() {
		t.Errorf("port mismatch: automator got %d, server bound %d", auto.joinedPort.Load(), s.IngestPort())
	}
}

func TestJoinFailureEndsSession(t *testing.T) {
	t.Parallel()

	auto := &fakeAutomator{joinErr: errors.New("join button never appeared")}
	var endedReason atomic.Value
	s := New(testConfig(), auto, Callbacks{
		OnEnded: func(reason string) { endedReason.Store(reason) },
	}, nil)

	err := s.Join(context.Background())
	if !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("Join: got %v, want ErrJoinFailed", err)
	}
	if s.State() != StateEnded {
		t.Errorf("state: got %s, want ended", s.State())
	}
	if endedReason.Load() == nil {
		t.Error("OnEnded was not invoked with a failure reason")
	}
}

func TestJoinBindExhaustionEndsSession(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	cfg := testConfig()
	cfg.BasePort = l.Addr().(*net.TCPAddr).Port
	cfg.BindAttempts = 1

	auto := &fakeAutomator{}
	s := New(cfg, auto, Callbacks{}, nil)
	if err := s.Join(context.Background()); !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("Join: got %v, want ErrJoinFailed", err)
	}
	if s.State() != StateEnded {
		t.Errorf("state: got %s, want ended", s.State())
	}
	if auto.joinCalls.Load() != 0 {
		t.Error("automator.Join called despite bind failure")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	t.Parallel()

	auto := &fakeAutomator{}
	s := New(testConfig(), auto, Callbacks{}, nil)
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	s.Leave(context.Background())
	if s.State() != StateEnded {
		t.Fatalf("state after leave: got %s, want ended", s.State())
	}
	s.Leave(context.Background())
	s.Leave(context.Background())

	if n := auto.leaveCalls.Load(); n != 1 {
		t.Errorf("automator.Leave calls: got %d, want 1", n)
	}
}

func TestOnMeetingEndedTriggersLeave(t *testing.T) {
	t.Parallel()

	auto := &fakeAutomator{}
	s := New(testConfig(), auto, Callbacks{}, nil)
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	s.OnMeetingEnded()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateEnded {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state: got %s, want ended", s.State())
}

func TestJoinTwiceRejected(t *testing.T) {
	t.Parallel()

	auto := &fakeAutomator{}
	s := New(testConfig(), auto, Callbacks{}, nil)
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Leave(context.Background())

	if err := s.Join(context.Background()); err == nil {
		t.Error("second Join should be rejected")
	}
	if auto.joinCalls.Load() != 1 {
		t.Errorf("automator.Join calls: got %d, want 1", auto.joinCalls.Load())
	}
}

func TestOnPermissionGrantedRunsGrantFlow(t *testing.T) {
	t.Parallel()

	auto := &fakeAutomator{}
	s := New(testConfig(), auto, Callbacks{}, nil)
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Leave(context.Background())

	s.OnPermissionGranted()
	if n := auto.grantCalls.Load(); n != 1 {
		t.Errorf("automator.GrantPermissions calls: got %d, want 1", n)
	}
}

func TestOperationsRequireInCall(t *testing.T) {
	t.Parallel()

	s := New(testConfig(), &fakeAutomator{}, Callbacks{}, nil)
	if err := s.StartRecording(); err == nil {
		t.Error("StartRecording should fail before joining")
	}
	if err := s.StartRelay("rtmp://example/live"); err == nil {
		t.Error("StartRelay should fail before joining")
	}
	if s.RelayData([]byte("x")) {
		t.Error("RelayData should fail with no relay job")
	}
}
