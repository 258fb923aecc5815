// Package profile adapts the TuneD system-bus control interface
// (com.redhat.tuned) to the three operations tunedmoded needs.
package profile

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"
)

const (
	busName      = "com.redhat.tuned"
	objectPath   = "/Tuned"
	controlIface = "com.redhat.tuned.control"
)

// caller is the subset of dbus.BusObject this package depends on, kept
// narrow so tests can supply a fake without tracking godbus's full
// BusObject method set.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Client talks to the TuneD service over the system bus.
type Client struct {
	obj    caller
	logger hclog.Logger
}

// New binds a Client to the TuneD object on conn, the system bus connection.
func New(conn *dbus.Conn, logger hclog.Logger) *Client {
	return &Client{
		obj:    conn.Object(busName, dbus.ObjectPath(objectPath)),
		logger: logger,
	}
}

// ActiveProfile reads the currently selected profile. It never mutates
// state and does not normalize the returned name.
func (c *Client) ActiveProfile() (string, error) {
	var name string
	if err := c.obj.Call(controlIface+".active_profile", 0).Store(&name); err != nil {
		return "", fmt.Errorf("tuned active_profile: %w", err)
	}
	return name, nil
}

// ListProfiles enumerates the profiles known to TuneD.
func (c *Client) ListProfiles() ([]string, error) {
	var names []string
	if err := c.obj.Call(controlIface+".profiles", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("tuned profiles: %w", err)
	}
	return names, nil
}

// SwitchProfile requests TuneD activate name. If name is already the active
// profile, it short-circuits without calling TuneD, suppressing redundant
// tuning-service work when multiple games register in succession.
func (c *Client) SwitchProfile(name string) (ok bool, message string, err error) {
	active, err := c.ActiveProfile()
	if err != nil {
		return false, "", err
	}
	if active == name {
		return true, "already active", nil
	}

	c.logger.Info("switching profile", "profile", name)
	call := c.obj.Call(controlIface+".switch_profile", 0, name)
	if call.Err != nil {
		return false, "", fmt.Errorf("tuned switch_profile: %w", call.Err)
	}
	if err := call.Store(&ok, &message); err != nil {
		return false, "", fmt.Errorf("tuned switch_profile reply: %w", err)
	}
	if !ok {
		c.logger.Warn("switching profile failed", "profile", name, "message", message)
	}
	return ok, message, nil
}
