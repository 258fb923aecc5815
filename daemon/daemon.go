// Package daemon wires the session and system bus connections, the
// registration engine, and the exported service object together, and
// drives the signal-terminated run loop.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"

	"github.com/tunedmoded/tunedmoded/config"
	"github.com/tunedmoded/tunedmoded/process"
	"github.com/tunedmoded/tunedmoded/profile"
	"github.com/tunedmoded/tunedmoded/registry"
	"github.com/tunedmoded/tunedmoded/service"
)

// Runtime owns both bus connections and the engine for the daemon's
// lifetime.
type Runtime struct {
	sessionConn *dbus.Conn
	systemConn  *dbus.Conn
	engine      *registry.Engine
	logger      hclog.Logger
}

// New acquires the session and system buses, validates the configured
// gaming profile against the tuning service, publishes the GameMode
// service object on the session bus, and returns a Runtime ready to Run.
// Failure to acquire the well-known name, or an unknown gaming profile,
// is fatal.
func New(logger hclog.Logger) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	sessionConn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	sessionConn.EnableUnixFDs()

	systemConn, err := dbus.ConnectSystemBus()
	if err != nil {
		sessionConn.Close()
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	resolver := process.NewResolver()
	profileClient := profile.New(systemConn, logger.Named("profile"))

	engine, err := registry.New(registry.Config{
		GamingProfile: cfg.GamingProfile,
		Profiles:      profileClient,
		Resolver:      resolver,
		Logger:        logger.Named("registry"),
	})
	if err != nil {
		sessionConn.Close()
		systemConn.Close()
		return nil, err
	}

	obj := service.New(engine, resolver, logger.Named("service"))
	if err := sessionConn.Export(obj, dbus.ObjectPath(service.ObjectPath), service.BusName); err != nil {
		sessionConn.Close()
		systemConn.Close()
		return nil, fmt.Errorf("export service object: %w", err)
	}

	reply, err := sessionConn.RequestName(service.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		sessionConn.Close()
		systemConn.Close()
		return nil, fmt.Errorf("request bus name %s: %w", service.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		sessionConn.Close()
		systemConn.Close()
		return nil, fmt.Errorf("bus name %s already owned", service.BusName)
	}

	logger.Info("acquired bus name", "name", service.BusName, "path", service.ObjectPath)

	return &Runtime{
		sessionConn: sessionConn,
		systemConn:  systemConn,
		engine:      engine,
		logger:      logger,
	}, nil
}

// Run blocks until SIGINT or SIGTERM, then performs a graceful shutdown:
// the initial profile is restored, both bus connections are closed, and
// in-flight handlers are allowed to complete (exit watchers are abandoned,
// not joined).
func (r *Runtime) Run() error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		r.logger.Debug("sd_notify ready failed (not running under systemd?)", "error", err)
	}

	sig := <-sigCh
	r.logger.Info("received signal, shutting down", "signal", sig)

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping); err != nil {
		r.logger.Debug("sd_notify stopping failed", "error", err)
	}

	r.shutdown()
	return nil
}

func (r *Runtime) shutdown() {
	r.engine.Shutdown()
	r.systemConn.Close()
	r.sessionConn.Close()
}
