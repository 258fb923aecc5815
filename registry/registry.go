// Package registry implements the registration engine: the state machine
// tracking registered games, the profile-switch arbitration that
// multiplexes concurrent clients onto a single global TuneD profile, and
// the per-process exit watchers that garbage-collect stale registrations.
package registry

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/tunedmoded/tunedmoded/process"
	"github.com/tunedmoded/tunedmoded/tmerr"
)

// Result is the three-valued outcome of Register and Unregister, wired
// directly onto the D-Bus method return values.
type Result int32

const (
	// Success indicates the operation completed.
	Success Result = 0
	// Error indicates a transport or state failure.
	Error Result = -1
	// Rejected indicates a policy hook denied the operation.
	Rejected Result = -2
)

// ProfileClient is the subset of profile.Client the engine depends on.
type ProfileClient interface {
	ActiveProfile() (string, error)
	ListProfiles() ([]string, error)
	SwitchProfile(name string) (ok bool, message string, err error)
}

// ProcessResolver is the subset of process.Resolver the engine depends on.
type ProcessResolver interface {
	HandleForPID(pid int) process.Handle
	IsRunning(h process.Handle) bool
	WaitExit(ctx context.Context, h process.Handle) error
	Cmdline(h process.Handle) string
}

// Hooks are the policy extension points consulted before any state
// mutation. Each defaults to always-allow; they exist so future
// caller-permission checks have somewhere to live.
type Hooks struct {
	RegisterAllowed   func(caller, game process.Handle) bool
	UnregisterAllowed func(caller, game process.Handle) bool
	QueryAllowed      func(caller, game process.Handle) bool
}

func allowAll(process.Handle, process.Handle) bool { return true }

func (h *Hooks) fillDefaults() {
	if h.RegisterAllowed == nil {
		h.RegisterAllowed = allowAll
	}
	if h.UnregisterAllowed == nil {
		h.UnregisterAllowed = allowAll
	}
	if h.QueryAllowed == nil {
		h.QueryAllowed = allowAll
	}
}

// Engine is the process-wide registration state store. It is safe for
// concurrent use; Register, Unregister, Query and Shutdown serialize on a
// single mutex, including the profile-switch round trip.
type Engine struct {
	mu  sync.Mutex
	set map[int]process.Handle

	gamingProfile  string
	initialProfile string

	profiles  ProfileClient
	resolver  ProcessResolver
	hooks     Hooks
	logger    hclog.Logger
	selfProc  process.Handle
	watchCtx  context.Context
	watchStop context.CancelFunc
	watchWG   sync.WaitGroup
}

// Config gathers the dependencies and policy overrides used to construct
// an Engine.
type Config struct {
	GamingProfile string
	Profiles      ProfileClient
	Resolver      ProcessResolver
	Hooks         Hooks
	Logger        hclog.Logger
}

// New verifies the configured gaming profile is known to the tuning
// service, captures the service's current profile as the restore target,
// and returns a ready Engine. It returns a tmerr.ErrConfig-wrapped error
// if the gaming profile is unknown.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	initial, err := cfg.Profiles.ActiveProfile()
	if err != nil {
		return nil, fmt.Errorf("read initial profile: %w: %w", tmerr.ErrTransport, err)
	}

	known, err := cfg.Profiles.ListProfiles()
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w: %w", tmerr.ErrTransport, err)
	}
	if !contains(known, cfg.GamingProfile) {
		return nil, fmt.Errorf("%w: gaming profile %q is not known to the tuning service", tmerr.ErrConfig, cfg.GamingProfile)
	}

	logger.Info("engine ready", "initial_profile", initial, "gaming_profile", cfg.GamingProfile)

	hooks := cfg.Hooks
	hooks.fillDefaults()

	watchCtx, watchStop := context.WithCancel(context.Background())

	return &Engine{
		set:            make(map[int]process.Handle),
		gamingProfile:  cfg.GamingProfile,
		initialProfile: initial,
		profiles:       cfg.Profiles,
		resolver:       cfg.Resolver,
		hooks:          hooks,
		logger:         logger,
		selfProc:       cfg.Resolver.HandleForPID(os.Getpid()),
		watchCtx:       watchCtx,
		watchStop:      watchStop,
	}, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (e *Engine) logRequest(action string, caller, game process.Handle) {
	e.logger.Info(action,
		"game_pid", game.PID(), "game_cmdline", e.resolver.Cmdline(game),
		"caller_pid", caller.PID(), "caller_cmdline", e.resolver.Cmdline(caller))
}

// Register admits game into the registration set, asking the tuning
// service to switch to the gaming profile on every registration (the
// profile client skips the call when that profile is already active). It
// returns Rejected if the policy hook denies the request, Error if game is
// already registered or the profile switch fails, Success otherwise.
func (e *Engine) Register(caller, game process.Handle) Result {
	e.logRequest("register request", caller, game)

	if !e.hooks.RegisterAllowed(caller, game) {
		e.logger.Warn("register rejected by policy", "error", fmt.Errorf("%w: pid %d", tmerr.ErrRejected, game.PID()))
		return Rejected
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.set[game.PID()]; ok {
		e.logger.Error("register failed", "error", fmt.Errorf("%w: pid %d", tmerr.ErrAlreadyRegistered, game.PID()))
		return Error
	}

	ok, _, err := e.profiles.SwitchProfile(e.gamingProfile)
	if err != nil {
		e.logger.Error("switch to gaming profile failed", "error", err)
		return Error
	}
	if !ok {
		return Error
	}

	e.set[game.PID()] = game
	e.spawnWatcher(game)
	return Success
}

// Unregister removes game from the registration set, restoring the
// initial profile if this was the last registration. It returns Rejected
// if the policy hook denies the request, Error if game is not registered
// or the restore switch fails, Success otherwise.
func (e *Engine) Unregister(caller, game process.Handle) Result {
	e.logRequest("unregister request", caller, game)

	if !e.hooks.UnregisterAllowed(caller, game) {
		e.logger.Warn("unregister rejected by policy", "error", fmt.Errorf("%w: pid %d", tmerr.ErrRejected, game.PID()))
		return Rejected
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.set[game.PID()]; !ok {
		e.logger.Error("unregister failed", "error", fmt.Errorf("%w: pid %d", tmerr.ErrNotRegistered, game.PID()))
		return Error
	}

	if len(e.set) == 1 {
		e.logger.Info("no more registered PIDs left")
		ok, _, err := e.profiles.SwitchProfile(e.initialProfile)
		if err != nil {
			e.logger.Error("restore initial profile failed", "error", err)
			return Error
		}
		if !ok {
			return Error
		}
	}

	delete(e.set, game.PID())
	return Success
}

// Query reports whether game is registered and whether anything is
// registered at all, encoded as 0 (nothing registered), 1 (something else
// registered), or 2 (game itself is registered).
func (e *Engine) Query(caller, game process.Handle) int {
	e.logRequest("query request", caller, game)

	if !e.hooks.QueryAllowed(caller, game) {
		e.logger.Warn("query rejected by policy", "error", fmt.Errorf("%w: pid %d", tmerr.ErrRejected, game.PID()))
		return int(Rejected)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ret := 0
	if len(e.set) > 0 {
		ret++
		if _, ok := e.set[game.PID()]; ok {
			ret++
		}
	}
	return ret
}

// spawnWatcher starts the background task that waits for game to exit and
// unregisters it on the engine's behalf. Must be called with e.mu held.
func (e *Engine) spawnWatcher(game process.Handle) {
	e.watchWG.Add(1)
	go func() {
		defer e.watchWG.Done()
		if err := e.resolver.WaitExit(e.watchCtx, game); err != nil {
			// Context was cancelled by Shutdown; the daemon is tearing down
			// and must not touch engine state further.
			return
		}
		e.logger.Info("watched process exited", "pid", game.PID())
		if res := e.Unregister(e.selfProc, game); res == Error {
			// Benign: the client already unregistered it explicitly.
			e.logger.Debug("exit watcher unregister was a no-op", "pid", game.PID())
		}
	}()
}

// WaitWatchers blocks until every exit watcher spawned so far has returned.
// It exists for deterministic testing of exit-driven unregistration; the
// daemon itself never calls it, since watchers are meant to be abandoned,
// not joined, on shutdown.
func (e *Engine) WaitWatchers() {
	e.watchWG.Wait()
}

// Shutdown attempts exactly one restore of the initial profile, logging
// but swallowing any failure, then cancels watchCtx, abandoning any
// still-running exit watchers. It does not wait for watchers to finish; a
// watcher still blocked in WaitExit returns without touching engine state.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Info("restoring initial profile on shutdown", "profile", e.initialProfile)
	if ok, message, err := e.profiles.SwitchProfile(e.initialProfile); err != nil {
		e.logger.Error("restore on shutdown failed", "error", err)
	} else if !ok {
		e.logger.Error("restore on shutdown rejected", "message", message)
	}
	e.watchStop()
}
