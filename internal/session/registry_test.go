package session

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/pulsar/internal/pty"
	"github.com/peterje/pulsar/internal/pty/ptytest"
)

type terminatedEvent struct {
	sum      Summary
	reason   Reason
	exitCode int
}

type fixture struct {
	reg        *Registry
	spawner    *ptytest.Spawner
	terminated chan terminatedEvent

	mu      sync.Mutex
	created []Summary
	output  int
	evicted int
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		spawner:    &ptytest.Spawner{},
		terminated: make(chan terminatedEvent, 16),
	}
	opts := Options{
		Spawner:   f.spawner,
		Shell:     "/bin/sh",
		KillGrace: 50 * time.Millisecond,
		Hooks: Hooks{
			Created: func(s Summary) {
				f.mu.Lock()
				f.created = append(f.created, s)
				f.mu.Unlock()
			},
			Terminated: func(s Summary, reason Reason, code int) {
				f.terminated <- terminatedEvent{s, reason, code}
			},
			Output: func(_ string, n, evicted int) {
				f.mu.Lock()
				f.output += n
				f.evicted += evicted
				f.mu.Unlock()
			},
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.reg = NewRegistry(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.reg.CloseAll(ctx)
	})
	return f
}

func (f *fixture) create(t *testing.T, name string) (*Session, *ptytest.Handle) {
	t.Helper()
	s, err := f.reg.Create(context.Background(), CreateOptions{Name: name})
	require.NoError(t, err)
	return s, f.spawner.Last()
}

func (f *fixture) waitTerminated(t *testing.T) terminatedEvent {
	t.Helper()
	select {
	case ev := <-f.terminated:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("session was not terminated")
		return terminatedEvent{}
	}
}

func TestCreateAndList(t *testing.T) {
	f := newFixture(t, nil)
	s, _ := f.create(t, "work")

	list := f.reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, s.ID(), list[0].ID)
	assert.Equal(t, "work", list[0].Name)
	assert.Equal(t, StateRunning, list[0].State)
	assert.Equal(t, Local, list[0].SessionType)
	assert.Equal(t, uint16(80), list[0].Cols)
	assert.Equal(t, uint16(24), list[0].Rows)

	opts := f.spawner.Options()
	require.Len(t, opts, 1)
	assert.Equal(t, "/bin/sh", opts[0].Path)

	got, err := f.reg.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	f.mu.Lock()
	assert.Len(t, f.created, 1)
	f.mu.Unlock()
}

func TestListIsInCreationOrder(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, func(o *Options) {
		o.Now = func() time.Time { return at }
	})
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		s, _ := f.create(t, name)
		ids = append(ids, s.ID())
	}

	var listed []string
	for _, sum := range f.reg.List() {
		listed = append(listed, sum.ID)
	}
	assert.Equal(t, ids, listed)
}

func TestCreateUnsupportedType(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.reg.Create(context.Background(), CreateOptions{
		Name: "remote",
		Type: Type{Kind: KindSSH, Host: "example.com", Port: 22},
	})
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Zero(t, f.reg.Count())
}

func TestCreateSpawnFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.spawner.Err = errors.New("out of ptys")

	_, err := f.reg.Create(context.Background(), CreateOptions{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of ptys")
	assert.Zero(t, f.reg.Count())
	assert.Empty(t, f.reg.List())
}

func TestTerminate(t *testing.T) {
	f := newFixture(t, nil)
	s, h := f.create(t, "doomed")

	require.NoError(t, f.reg.Terminate(s.ID()))

	_, err := f.reg.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, f.reg.List())
	assert.ErrorIs(t, f.reg.Terminate(s.ID()), ErrSessionNotFound)

	ev := f.waitTerminated(t)
	assert.Equal(t, s.ID(), ev.sum.ID)
	assert.Equal(t, ReasonTerminated, ev.reason)
	assert.Equal(t, StateTerminated, ev.sum.State)

	select {
	case <-h.Exited():
	default:
		t.Fatal("process not stopped")
	}
	assert.Contains(t, h.Signals(), syscall.SIGHUP)
}

func TestTerminateUnknown(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.reg.Terminate("nope"), ErrSessionNotFound)
	_, err := f.reg.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestProcessExitRemovesSession(t *testing.T) {
	f := newFixture(t, nil)
	s, h := f.create(t, "short")

	h.Exit(0)

	ev := f.waitTerminated(t)
	assert.Equal(t, ReasonExited, ev.reason)
	assert.Equal(t, 0, ev.exitCode)
	_, err := f.reg.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Zero(t, f.reg.Count())
}

func TestKillAfterGrace(t *testing.T) {
	f := newFixture(t, nil)
	s, h := f.create(t, "stubborn")
	h.IgnoreSignals = true

	require.NoError(t, f.reg.Terminate(s.ID()))
	select {
	case <-s.Reaped():
	case <-time.After(5 * time.Second):
		t.Fatal("not reaped")
	}
	assert.Contains(t, h.Signals(), syscall.SIGKILL)
}

func TestCountClientsAndDetachAll(t *testing.T) {
	f := newFixture(t, nil)
	a, _ := f.create(t, "a")
	b, _ := f.create(t, "b")

	require.NoError(t, a.Attach("c1"))
	require.NoError(t, a.Attach("c2"))
	require.NoError(t, b.Attach("c1"))
	require.NoError(t, b.Attach("c1"))
	assert.Equal(t, 3, f.reg.CountClients())

	f.reg.DetachAll("c1")
	assert.Equal(t, 1, f.reg.CountClients())
	assert.Equal(t, 1, a.NumClients())
	assert.Equal(t, 0, b.NumClients())
}

func TestCloseAll(t *testing.T) {
	f := newFixture(t, nil)
	s1, _ := f.create(t, "a")
	s2, _ := f.create(t, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.reg.CloseAll(ctx))

	for _, s := range []*Session{s1, s2} {
		select {
		case <-s.Reaped():
		default:
			t.Fatalf("session %s not reaped", s.ID())
		}
		assert.Equal(t, StateTerminated, s.State())
	}
	assert.Zero(t, f.reg.Count())

	_, err := f.reg.Create(context.Background(), CreateOptions{Name: "late"})
	assert.ErrorIs(t, err, ErrRegistryClosed)

	for range 2 {
		ev := f.waitTerminated(t)
		assert.Equal(t, ReasonShutdown, ev.reason)
	}
}

func TestOutputHook(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.BufferSize = 4 })
	s, h := f.create(t, "noisy")

	go func() { _ = h.Emit([]byte("abcdef")) }()
	data, err := s.Receive(context.Background(), "c", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(data))

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.output == 6
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocalShellSession(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	f := newFixture(t, func(o *Options) {
		o.Spawner = pty.LocalSpawner{Term: "dumb"}
		o.Shell = sh
		o.KillGrace = time.Second
	})
	s, err := f.reg.Create(context.Background(), CreateOptions{Name: "real"})
	require.NoError(t, err)

	_, err = s.Write(context.Background(), []byte("echo Hello Pulsar\n"))
	require.NoError(t, err)

	var out strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && strings.Count(out.String(), "Hello Pulsar") < 2 {
		data, err := s.Receive(context.Background(), "c", 500*time.Millisecond)
		require.NoError(t, err)
		out.Write(data)
	}
	// Once echoed by the terminal, once printed by the shell.
	assert.GreaterOrEqual(t, strings.Count(out.String(), "Hello Pulsar"), 2)

	require.NoError(t, f.reg.Terminate(s.ID()))
	select {
	case <-s.Reaped():
	case <-time.After(10 * time.Second):
		t.Fatal("shell not reaped")
	}
}
