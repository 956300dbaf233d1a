package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	login1Service      = "org.freedesktop.login1"
	login1ManagerPath  = "/org/freedesktop/login1"
	login1ManagerIface = "org.freedesktop.login1.Manager"
	login1SessionIface = "org.freedesktop.login1.Session"
)

// Logind mirrors the lock state into the login manager so tools that
// read the LockedHint property agree with reality, and forwards the
// session's Unlock signal so an administrator's loginctl unlock-session
// releases the screen. Everything here is best-effort: a machine
// without logind still locks fine.
type Logind struct {
	conn    *dbus.Conn
	session dbus.BusObject
	signals chan *dbus.Signal
	log     *slog.Logger
}

// NewLogind connects to the system bus and resolves this process's
// session object. The session is found by $XDG_SESSION_ID first and by
// the calling PID as a fallback.
func NewLogind(log *slog.Logger) (*Logind, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}

	manager := conn.Object(login1Service, login1ManagerPath)
	var path dbus.ObjectPath
	if id := os.Getenv("XDG_SESSION_ID"); id != "" {
		err = manager.Call(login1ManagerIface+".GetSession", 0, id).Store(&path)
	} else {
		err = manager.Call(login1ManagerIface+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	return &Logind{
		conn:    conn,
		session: conn.Object(login1Service, path),
		log:     log.With("component", "logind"),
	}, nil
}

// SetLockedHint records whether the session is locked.
func (l *Logind) SetLockedHint(locked bool) error {
	call := l.session.Call(login1SessionIface+".SetLockedHint", 0, locked)
	if call.Err != nil {
		return fmt.Errorf("set locked hint: %w", call.Err)
	}
	return nil
}

// NotifyUnlock invokes unlock whenever the session's Unlock signal
// arrives. The callback runs on a bus goroutine, so it should only do
// something async-safe, like poking a wake pipe.
func (l *Logind) NotifyUnlock(unlock func()) error {
	if err := l.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(l.session.Path()),
		dbus.WithMatchInterface(login1SessionIface),
		dbus.WithMatchSender(login1Service),
		dbus.WithMatchMember("Unlock"),
	); err != nil {
		return fmt.Errorf("match unlock signal: %w", err)
	}

	l.signals = make(chan *dbus.Signal, 8)
	l.conn.Signal(l.signals)
	go func() {
		for s := range l.signals {
			if s == nil || s.Path != l.session.Path() {
				continue
			}
			if s.Name == login1SessionIface+".Unlock" {
				l.log.Info("unlock requested over the bus")
				unlock()
			}
		}
	}()
	return nil
}

// Close clears the locked hint and drops the bus connection.
func (l *Logind) Close() error {
	var errs error
	if err := l.SetLockedHint(false); err != nil {
		errs = errors.Join(errs, err)
	}
	if l.signals != nil {
		l.conn.RemoveSignal(l.signals)
		close(l.signals)
	}
	if err := l.conn.Close(); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}
