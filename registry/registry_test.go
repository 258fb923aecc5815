package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tunedmoded/tunedmoded/process"
	"github.com/tunedmoded/tunedmoded/tmerr"
)

// fakeProfiles is a minimal in-memory stand-in for the tuning service.
type fakeProfiles struct {
	mu        sync.Mutex
	active    string
	known     []string
	switchErr error
	deny      map[string]bool // profiles that should be rejected (ok=false)
	calls     []string
}

func (f *fakeProfiles) ActiveProfile() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeProfiles) ListProfiles() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known, nil
}

func (f *fakeProfiles) SwitchProfile(name string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.switchErr != nil {
		return false, "", f.switchErr
	}
	if f.deny[name] {
		return false, "denied", nil
	}
	f.active = name
	return true, "", nil
}

func (f *fakeProfiles) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeResolver lets tests control when a PID "exits" without touching real
// processes.
type fakeResolver struct {
	real *process.Resolver

	mu     sync.Mutex
	exited map[int]chan struct{}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{real: process.NewResolver(), exited: map[int]chan struct{}{}}
}

func (f *fakeResolver) HandleForPID(pid int) process.Handle {
	return f.real.HandleForPID(pid)
}

func (f *fakeResolver) chanFor(pid int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.exited[pid]
	if !ok {
		ch = make(chan struct{})
		f.exited[pid] = ch
	}
	return ch
}

func (f *fakeResolver) IsRunning(h process.Handle) bool {
	select {
	case <-f.chanFor(h.PID()):
		return false
	default:
		return true
	}
}

func (f *fakeResolver) WaitExit(ctx context.Context, h process.Handle) error {
	select {
	case <-f.chanFor(h.PID()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeResolver) Cmdline(h process.Handle) string {
	return ""
}

func (f *fakeResolver) exit(pid int) {
	ch := f.chanFor(pid)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func newTestEngine(t *testing.T, profiles *fakeProfiles, resolver ProcessResolver) *Engine {
	t.Helper()
	e, err := New(Config{
		GamingProfile: "latency-performance",
		Profiles:      profiles,
		Resolver:      resolver,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func handle(r ProcessResolver, pid int) process.Handle {
	return r.HandleForPID(pid)
}

func TestNew_UnknownGamingProfileRefusesToStart(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "powersave"}}
	_, err := New(Config{
		GamingProfile: "does-not-exist",
		Profiles:      profiles,
		Resolver:      newFakeResolver(),
	})
	if err == nil {
		t.Fatal("New() error = nil, want CONFIG-ERROR for unknown gaming profile")
	}
	if !errors.Is(err, tmerr.ErrConfig) {
		t.Errorf("New() error = %v, want wrapping tmerr.ErrConfig", err)
	}
}

func TestRegisterQueryUnregister_FullLifecycleSwitchesAndRestoresProfile(t *testing.T) {
	profiles := &fakeProfiles{
		active: "balanced",
		known:  []string{"balanced", "latency-performance"},
	}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)

	g1234 := handle(resolver, 1234)
	if got := e.Register(g1234, g1234); got != Success {
		t.Fatalf("Register(1234) = %v, want Success", got)
	}
	if profiles.active != "latency-performance" {
		t.Fatalf("active profile = %q, want latency-performance", profiles.active)
	}

	if got := e.Query(g1234, g1234); got != 2 {
		t.Errorf("Query(1234) = %d, want 2", got)
	}
	g9999 := handle(resolver, 9999)
	if got := e.Query(g9999, g9999); got != 1 {
		t.Errorf("Query(9999) = %d, want 1", got)
	}

	if got := e.Unregister(g1234, g1234); got != Success {
		t.Fatalf("Unregister(1234) = %v, want Success", got)
	}
	if profiles.active != "balanced" {
		t.Fatalf("active profile = %q, want balanced restored", profiles.active)
	}
	if got := e.Query(g1234, g1234); got != 0 {
		t.Errorf("Query(1234) after unregister = %d, want 0", got)
	}
}

func TestRegister_DuplicateFailsThenSucceedsAfterUnregister(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "latency-performance"}}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g1 := handle(resolver, 1)

	if got := e.Register(g1, g1); got != Success {
		t.Fatalf("first Register(1) = %v, want Success", got)
	}
	if got := e.Register(g1, g1); got != Error {
		t.Fatalf("second Register(1) = %v, want Error", got)
	}

	if got := e.Unregister(g1, g1); got != Success {
		t.Fatalf("Unregister(1) = %v, want Success", got)
	}
	if got := e.Register(g1, g1); got != Success {
		t.Fatalf("Register(1) after unregister = %v, want Success", got)
	}
}

func TestUnregister_AgainstEmptySetFails(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "latency-performance"}}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g42 := handle(resolver, 42)

	if got := e.Unregister(g42, g42); got != Error {
		t.Fatalf("Unregister(42) on empty set = %v, want Error", got)
	}
	if profiles.active != "balanced" {
		t.Errorf("active profile = %q, want untouched balanced", profiles.active)
	}
}

func TestExitWatcher_UnregistersOnProcessExit(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "latency-performance"}}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g7 := handle(resolver, 7)

	if got := e.Register(g7, g7); got != Success {
		t.Fatalf("Register(7) = %v, want Success", got)
	}

	resolver.exit(7)
	e.WaitWatchers()

	if got := e.Query(g7, g7); got != 0 {
		t.Errorf("Query(7) after exit = %d, want 0", got)
	}
	if profiles.active != "balanced" {
		t.Errorf("active profile = %q, want balanced restored after exit", profiles.active)
	}
}

// Exit watcher must tolerate the game having already been explicitly
// unregistered.
func TestExitWatcher_ToleratesAlreadyUnregistered(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "latency-performance"}}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g7 := handle(resolver, 7)

	if got := e.Register(g7, g7); got != Success {
		t.Fatalf("Register(7) = %v, want Success", got)
	}
	if got := e.Unregister(g7, g7); got != Success {
		t.Fatalf("Unregister(7) = %v, want Success", got)
	}

	resolver.exit(7) // watcher wakes up to find the game already gone
	e.WaitWatchers()

	if got := e.Query(g7, g7); got != 0 {
		t.Errorf("Query(7) = %d, want 0", got)
	}
}

func TestRegister_ProfileSwitchFailureLeavesSetUnchanged(t *testing.T) {
	profiles := &fakeProfiles{
		active: "balanced",
		known:  []string{"balanced", "latency-performance"},
		deny:   map[string]bool{"latency-performance": true},
	}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g1 := handle(resolver, 1)

	if got := e.Register(g1, g1); got != Error {
		t.Fatalf("Register(1) = %v, want Error", got)
	}
	if got := e.Query(g1, g1); got != 0 {
		t.Errorf("Query(1) = %d, want 0 (set unchanged)", got)
	}
	if profiles.active != "balanced" {
		t.Errorf("active profile = %q, want untouched balanced", profiles.active)
	}
}

// A failing restore-to-initial on unregister must not remove the
// registration.
func TestUnregister_RestoreFailureKeepsRegistration(t *testing.T) {
	profiles := &fakeProfiles{
		active: "balanced",
		known:  []string{"balanced", "latency-performance"},
	}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g1 := handle(resolver, 1)

	if got := e.Register(g1, g1); got != Success {
		t.Fatalf("Register(1) = %v, want Success", got)
	}

	profiles.mu.Lock()
	profiles.deny = map[string]bool{"balanced": true}
	profiles.mu.Unlock()

	if got := e.Unregister(g1, g1); got != Error {
		t.Fatalf("Unregister(1) = %v, want Error when restore fails", got)
	}
	if got := e.Query(g1, g1); got != 2 {
		t.Errorf("Query(1) after failed restore = %d, want 2 (still registered)", got)
	}
}

func TestQuery_Encoding(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "latency-performance"}}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g1, g2 := handle(resolver, 1), handle(resolver, 2)

	if got := e.Query(g1, g1); got != 0 {
		t.Fatalf("Query(1) on empty set = %d, want 0", got)
	}

	if got := e.Register(g1, g1); got != Success {
		t.Fatalf("Register(1) = %v, want Success", got)
	}

	if got := e.Query(g1, g1); got != 2 {
		t.Errorf("Query(1) = %d, want 2 (self registered)", got)
	}
	if got := e.Query(g2, g2); got != 1 {
		t.Errorf("Query(2) = %d, want 1 (something else registered)", got)
	}
}

func TestRegister_ConcurrentDistinctPIDsBothSucceed(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "latency-performance"}}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g1, g2 := handle(resolver, 1), handle(resolver, 2)

	results := make(chan Result, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); results <- e.Register(g1, g1) }()
	go func() { defer wg.Done(); results <- e.Register(g2, g2) }()
	wg.Wait()
	close(results)

	for r := range results {
		if r != Success {
			t.Errorf("concurrent Register() = %v, want Success", r)
		}
	}
	if got := e.Query(g1, g1); got != 2 {
		t.Errorf("Query(1) = %d, want 2", got)
	}
	if got := e.Query(g2, g2); got != 2 {
		t.Errorf("Query(2) = %d, want 2", got)
	}
}

// Policy hooks reject before any state mutation.
func TestPolicyHooks_Reject(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "latency-performance"}}
	resolver := newFakeResolver()
	e, err := New(Config{
		GamingProfile: "latency-performance",
		Profiles:      profiles,
		Resolver:      resolver,
		Hooks: Hooks{
			RegisterAllowed: func(caller, game process.Handle) bool { return false },
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	g1 := handle(resolver, 1)

	if got := e.Register(g1, g1); got != Rejected {
		t.Fatalf("Register(1) = %v, want Rejected", got)
	}
	if got := e.Query(g1, g1); got != 0 {
		t.Errorf("Query(1) = %d, want 0 (register never applied)", got)
	}
	if len(profiles.callLog()) != 0 {
		t.Errorf("SwitchProfile was called, want none before hook check")
	}
}

func TestRegisterUnregister_IdempotentEmptyToEmpty(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "latency-performance"}}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g1 := handle(resolver, 1)

	for i := 0; i < 3; i++ {
		if got := e.Register(g1, g1); got != Success {
			t.Fatalf("round %d: Register(1) = %v, want Success", i, got)
		}
		if got := e.Unregister(g1, g1); got != Success {
			t.Fatalf("round %d: Unregister(1) = %v, want Success", i, got)
		}
		if got := e.Query(g1, g1); got != 0 {
			t.Fatalf("round %d: Query(1) = %d, want 0", i, got)
		}
	}
}

func TestShutdown_RestoresInitialProfile(t *testing.T) {
	profiles := &fakeProfiles{active: "balanced", known: []string{"balanced", "latency-performance"}}
	resolver := newFakeResolver()
	e := newTestEngine(t, profiles, resolver)
	g1 := handle(resolver, 1)

	if got := e.Register(g1, g1); got != Success {
		t.Fatalf("Register(1) = %v, want Success", got)
	}
	if profiles.active != "latency-performance" {
		t.Fatalf("active profile = %q, want latency-performance", profiles.active)
	}

	e.Shutdown()
	if profiles.active != "balanced" {
		t.Errorf("active profile after Shutdown = %q, want balanced", profiles.active)
	}
}

func TestWaitExit_RespectsContextCancellation(t *testing.T) {
	resolver := newFakeResolver()
	h := resolver.HandleForPID(123)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := resolver.WaitExit(ctx, h); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitExit() error = %v, want context.DeadlineExceeded", err)
	}
}
