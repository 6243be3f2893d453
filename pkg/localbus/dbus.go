package localbus

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// DBus implements Bus over a D-Bus connection.
type DBus struct {
	conn *dbus.Conn
}

var _ Bus = (*DBus)(nil)

// ConnectSession connects to the session bus.
func ConnectSession() (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("localbus: session bus: %w", err)
	}
	return &DBus{conn: conn}, nil
}

// ConnectSystem connects to the system bus.
func ConnectSystem() (*DBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("localbus: system bus: %w", err)
	}
	return &DBus{conn: conn}, nil
}

func (b *DBus) RequestName(name string) error {
	reply, err := b.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("localbus: request name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("localbus: request name %s: %w", name, ErrNameTaken)
	}
	return nil
}

func (b *DBus) Export(path, iface string, methods map[string]interface{}) error {
	if err := b.conn.ExportMethodTable(methods, dbus.ObjectPath(path), iface); err != nil {
		return fmt.Errorf("localbus: export %s on %s: %w", iface, path, err)
	}
	return nil
}

func (b *DBus) Emit(path, iface, member string, args ...interface{}) error {
	return b.conn.Emit(dbus.ObjectPath(path), iface+"."+member, args...)
}

func (b *DBus) ReleaseName(name string) error {
	_, err := b.conn.ReleaseName(name)
	return err
}

func (b *DBus) Close() error {
	return b.conn.Close()
}
