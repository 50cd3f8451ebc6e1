package runner

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/jostle/pkg/logx"
	"github.com/runningwild/jostle/pkg/task"
	"github.com/runningwild/jostle/pkg/timesync"
)

// stubTask records the commands it receives.
type stubTask struct {
	name string
	mu   sync.Mutex
	cmds []string
	fail bool
}

func (s *stubTask) Name() string { return s.name }
func (s *stubTask) Active() bool { return true }
func (s *stubTask) Err() error   { return nil }
func (s *stubTask) Close()       {}

func (s *stubTask) SendCommand(cmd string, ret task.ReplyFunc) {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	if s.fail {
		ret(task.LevelError, "boom")
	} else {
		ret(task.LevelInfo, "set "+cmd)
	}
}

func (s *stubTask) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

func newTestServer(t *testing.T, warmS uint64) (*CommandServer, map[string]*stubTask, *timesync.Clock) {
	t.Helper()
	log, err := logx.New("info", true)
	require.NoError(t, err)

	stubs := map[string]*stubTask{
		"at_0":       {name: "at_0"},
		"at_1":       {name: "at_1"},
		"db_bench_0": {name: "db_bench_0"},
	}
	targets := map[string]task.Task{}
	for n, st := range stubs {
		targets[n] = st
	}

	clock := timesync.NewClock()
	s, err := NewCommandServer("", clock, warmS, targets, log)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, stubs, clock
}

func collectReplies() (func(string), func() []string) {
	var mu sync.Mutex
	var replies []string
	add := func(msg string) {
		mu.Lock()
		replies = append(replies, msg)
		mu.Unlock()
	}
	get := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), replies...)
	}
	return add, get
}

func TestTestCommand(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	reply, got := collectReplies()

	s.Execute("test hello", reply)
	require.Len(t, got(), 1)
	assert.Contains(t, got()[0], "test OK! parameters: hello")
}

func TestListExp(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	reply, got := collectReplies()

	s.Execute("list-exp", reply)
	require.Len(t, got(), 1)
	assert.Contains(t, got()[0], "at_0, at_1, db_bench_0")
}

func TestImmediateDispatch(t *testing.T) {
	s, stubs, _ := newTestServer(t, 0)
	reply, got := collectReplies()

	s.Execute("db_bench_0 wait=true", reply)
	assert.Equal(t, []string{"wait=true"}, stubs["db_bench_0"].commands())
	require.NotEmpty(t, got())
	assert.Contains(t, got()[0], "return from experiment db_bench_0")

	c, ok := s.Command(1)
	require.True(t, ok)
	assert.Equal(t, StatusFinished, c.Status)
}

func TestWildcardDispatch(t *testing.T) {
	s, stubs, _ := newTestServer(t, 0)
	reply, _ := collectReplies()

	s.Execute("at_* stop", reply)
	assert.Equal(t, []string{"stop"}, stubs["at_0"].commands())
	assert.Equal(t, []string{"stop"}, stubs["at_1"].commands())
	assert.Empty(t, stubs["db_bench_0"].commands())
}

func TestInvalidName(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	reply, got := collectReplies()

	s.Execute("nosuch stop", reply)
	require.Len(t, got(), 1)
	assert.Contains(t, got()[0], "ERROR:")
	assert.Contains(t, got()[0], "invalid command or experiment name")
}

func TestFailedDispatchStatus(t *testing.T) {
	s, stubs, _ := newTestServer(t, 0)
	stubs["at_0"].fail = true
	reply, _ := collectReplies()

	s.Execute("at_0 stop", reply)
	c, ok := s.Command(1)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, c.Status)
}

func TestScheduleAndCancel(t *testing.T) {
	s, stubs, _ := newTestServer(t, 0)
	reply, _ := collectReplies()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Item 1 is the schedule token, item 2 the command.
		s.Execute("+2s # at_0 wait=true", reply)
	}()

	// Cancel before the scheduled time.
	time.Sleep(300 * time.Millisecond)
	reply2, got2 := collectReplies()
	s.Execute("cancel 2", reply2)
	require.NotEmpty(t, got2())
	assert.Contains(t, got2()[0], "canceling command = 2")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return")
	}
	assert.Empty(t, stubs["at_0"].commands())

	c, ok := s.Command(2)
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, c.Status)
}

func TestCancelAlreadyExecuted(t *testing.T) {
	s, stubs, _ := newTestServer(t, 0)
	reply, _ := collectReplies()

	s.Execute("at_0 wait=false", reply)
	require.Equal(t, []string{"wait=false"}, stubs["at_0"].commands())

	reply2, got2 := collectReplies()
	s.Execute("cancel 1", reply2)
	require.NotEmpty(t, got2())
	assert.Contains(t, got2()[0], "already executed")

	// The original outcome is untouched.
	c, _ := s.Command(1)
	assert.Equal(t, StatusFinished, c.Status)
}

func TestCancelUnknown(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	reply, got := collectReplies()

	s.Execute("cancel 99", reply)
	require.NotEmpty(t, got())
	assert.Contains(t, got()[0], "not found")
}

// A schedule in the past cancels the remainder of the line but not the
// following lines.
func TestPastScheduleAbortsLine(t *testing.T) {
	s, stubs, _ := newTestServer(t, 0)
	reply, got := collectReplies()

	time.Sleep(1100 * time.Millisecond)
	s.Execute("00s # at_0 wait=true # at_1 wait=true\nat_1 stop", reply)

	var sawErr bool
	for _, r := range got() {
		if strings.Contains(r, "ERROR:") && strings.Contains(r, "inferior") {
			sawErr = true
		}
	}
	assert.True(t, sawErr)
	assert.Empty(t, stubs["at_0"].commands())
	assert.Equal(t, []string{"stop"}, stubs["at_1"].commands())
}

// Ns tokens add the warm period; 0Ns tokens schedule from experiment
// start.
func TestScheduleTokenArithmetic(t *testing.T) {
	s, _, _ := newTestServer(t, 60)
	reply, got := collectReplies()

	// "5s" resolves to warm(60) + 5 = 65.
	go s.Execute("5s # at_0 wait=true", reply)
	time.Sleep(300 * time.Millisecond)

	c, ok := s.Command(2)
	require.True(t, ok)
	assert.Equal(t, uint64(65), c.TimeSched)

	// "030s" resolves to 30 from start, no warm offset.
	reply2, _ := collectReplies()
	go s.Execute("030s # at_1 wait=true", reply2)
	time.Sleep(300 * time.Millisecond)

	c, ok = s.Command(4)
	require.True(t, ok)
	assert.Equal(t, uint64(30), c.TimeSched)
	_ = got
}

func TestListSchedFiltersPast(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	reply, _ := collectReplies()

	// Dispatched at time 0, which lies in the past once the clock reads 1.
	s.Execute("db_bench_0 wait=true", reply)
	time.Sleep(1100 * time.Millisecond)

	go s.Execute("+2s # at_0 wait=true", reply)
	time.Sleep(300 * time.Millisecond)

	reply2, got2 := collectReplies()
	s.Execute("list-sched", reply2)
	require.NotEmpty(t, got2())
	assert.Contains(t, got2()[0], "at_0")
	assert.NotContains(t, got2()[0], "db_bench_0")

	reply3, got3 := collectReplies()
	s.Execute("list-cmd", reply3)
	assert.Contains(t, got3()[0], "at_0")
	assert.Contains(t, got3()[0], "db_bench_0")
}
