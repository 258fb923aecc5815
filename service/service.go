// Package service exposes the registration engine's nine externally
// visible GameMode methods over the session bus, unifying three different
// caller-identification conventions (bare PID, caller+game PID pair,
// caller+game pidfd pair) onto the engine's three semantic operations.
package service

import (
	"runtime/debug"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"

	"github.com/tunedmoded/tunedmoded/process"
	"github.com/tunedmoded/tunedmoded/registry"
)

const (
	// BusName is the well-known name the daemon publishes on the session
	// bus, emulating the original GameMode interface.
	BusName = "com.feralinteractive.GameMode"
	// ObjectPath is the object path the service is exported under.
	ObjectPath = "/com/feralinteractive/GameMode"
)

// Engine is the subset of registry.Engine the service dispatches onto.
type Engine interface {
	Register(caller, game process.Handle) registry.Result
	Unregister(caller, game process.Handle) registry.Result
	Query(caller, game process.Handle) int
}

// Resolver is the subset of process.Resolver the service needs to turn raw
// PIDs into handles.
type Resolver interface {
	HandleForPID(pid int) process.Handle
}

// Object is the D-Bus service object exported at ObjectPath. Its exported
// methods match the wire signatures of the original GameMode interface.
type Object struct {
	engine   Engine
	resolver Resolver
	logger   hclog.Logger
}

// New returns an Object ready to be exported on a *dbus.Conn.
func New(engine Engine, resolver Resolver, logger hclog.Logger) *Object {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Object{engine: engine, resolver: resolver, logger: logger}
}

func (o *Object) pair(pid int32) (caller, game process.Handle) {
	h := o.resolver.HandleForPID(int(pid))
	return h, h
}

func (o *Object) pairByPID(callerPID, gamePID int32) (caller, game process.Handle) {
	return o.resolver.HandleForPID(int(callerPID)), o.resolver.HandleForPID(int(gamePID))
}

func (o *Object) pairByPIDFd(callerFd, gameFd dbus.UnixFD) (caller, game process.Handle, err error) {
	callerPID, err := process.DecodePidFd(int(callerFd))
	if err != nil {
		return process.Handle{}, process.Handle{}, err
	}
	gamePID, err := process.DecodePidFd(int(gameFd))
	if err != nil {
		return process.Handle{}, process.Handle{}, err
	}
	return o.resolver.HandleForPID(callerPID), o.resolver.HandleForPID(gamePID), nil
}

// dispatch wraps every exported method with the same log-and-convert
// discipline: a *dbus.Error returned by the handler is already an
// IPC-transport exception and is passed through untouched (it has already
// been reported by the transport); any other error is logged at ERROR
// with a stack trace and replaced with a generic transport error before
// it reaches the bus.
func (o *Object) dispatch(method string, fn func() (int32, error)) (int32, *dbus.Error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}
	if dbusErr, ok := err.(*dbus.Error); ok {
		return 0, dbusErr
	}
	o.logger.Error("exception in handler", "method", method, "error", err, "stack", string(debug.Stack()))
	return 0, dbus.MakeFailedError(err)
}

// RegisterGame implements the bare-PID register variant.
func (o *Object) RegisterGame(i int32) (int32, *dbus.Error) {
	return o.dispatch("RegisterGame", func() (int32, error) {
		caller, game := o.pair(i)
		return int32(o.engine.Register(caller, game)), nil
	})
}

// RegisterGameByPID implements the caller+game PID pair register variant.
func (o *Object) RegisterGameByPID(callerPID, gamePID int32) (int32, *dbus.Error) {
	return o.dispatch("RegisterGameByPID", func() (int32, error) {
		caller, game := o.pairByPID(callerPID, gamePID)
		return int32(o.engine.Register(caller, game)), nil
	})
}

// RegisterGameByPIDFd implements the caller+game pidfd pair register
// variant.
func (o *Object) RegisterGameByPIDFd(callerFd, gameFd dbus.UnixFD) (int32, *dbus.Error) {
	return o.dispatch("RegisterGameByPIDFd", func() (int32, error) {
		caller, game, err := o.pairByPIDFd(callerFd, gameFd)
		if err != nil {
			return 0, err
		}
		return int32(o.engine.Register(caller, game)), nil
	})
}

// UnregisterGame implements the bare-PID unregister variant.
func (o *Object) UnregisterGame(i int32) (int32, *dbus.Error) {
	return o.dispatch("UnregisterGame", func() (int32, error) {
		caller, game := o.pair(i)
		return int32(o.engine.Unregister(caller, game)), nil
	})
}

// UnregisterGameByPID implements the caller+game PID pair unregister
// variant.
func (o *Object) UnregisterGameByPID(callerPID, gamePID int32) (int32, *dbus.Error) {
	return o.dispatch("UnregisterGameByPID", func() (int32, error) {
		caller, game := o.pairByPID(callerPID, gamePID)
		return int32(o.engine.Unregister(caller, game)), nil
	})
}

// UnregisterGameByPIDFd implements the caller+game pidfd pair unregister
// variant.
func (o *Object) UnregisterGameByPIDFd(callerFd, gameFd dbus.UnixFD) (int32, *dbus.Error) {
	return o.dispatch("UnregisterGameByPIDFd", func() (int32, error) {
		caller, game, err := o.pairByPIDFd(callerFd, gameFd)
		if err != nil {
			return 0, err
		}
		return int32(o.engine.Unregister(caller, game)), nil
	})
}

// QueryStatus implements the bare-PID query variant.
func (o *Object) QueryStatus(i int32) (int32, *dbus.Error) {
	return o.dispatch("QueryStatus", func() (int32, error) {
		caller, game := o.pair(i)
		return int32(o.engine.Query(caller, game)), nil
	})
}

// QueryStatusByPID implements the caller+game PID pair query variant.
func (o *Object) QueryStatusByPID(callerPID, gamePID int32) (int32, *dbus.Error) {
	return o.dispatch("QueryStatusByPID", func() (int32, error) {
		caller, game := o.pairByPID(callerPID, gamePID)
		return int32(o.engine.Query(caller, game)), nil
	})
}

// QueryStatusByPIDFd implements the caller+game pidfd pair query variant.
func (o *Object) QueryStatusByPIDFd(callerFd, gameFd dbus.UnixFD) (int32, *dbus.Error) {
	return o.dispatch("QueryStatusByPIDFd", func() (int32, error) {
		caller, game, err := o.pairByPIDFd(callerFd, gameFd)
		if err != nil {
			return 0, err
		}
		return int32(o.engine.Query(caller, game)), nil
	})
}
