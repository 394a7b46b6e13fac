//go:build linux

package signals

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Run subscribes to the enabled sources and forwards signals until ctx is
// done. A missing session bus only disables the screen source; a missing
// system bus with the sleep source enabled is an error.
func (s *Source) Run(ctx context.Context) error {
	ch := make(chan *dbus.Signal, 16)
	var conns []*dbus.Conn
	defer func() {
		for _, c := range conns {
			c.RemoveSignal(ch)
			c.Close()
		}
	}()

	if s.cfg.Sleep {
		conn, err := subscribe(dbus.ConnectSystemBus, LogindInterface, PrepareForSleep, ch)
		if err != nil {
			return fmt.Errorf("signals: logind: %w", err)
		}
		conns = append(conns, conn)
	}
	if s.cfg.Screen {
		conn, err := subscribe(dbus.ConnectSessionBus, ScreenSaverInterface, ActiveChanged, ch)
		if err != nil {
			s.logger.Warn("screen signal source unavailable", "error", err)
		} else {
			conns = append(conns, conn)
		}
	}
	if len(conns) == 0 {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch(sig)
		}
	}
}

func subscribe(connect func(...dbus.ConnOption) (*dbus.Conn, error), iface, member string, ch chan *dbus.Signal) (*dbus.Conn, error) {
	conn, err := connect()
	if err != nil {
		return nil, err
	}
	if err := conn.AddMatchSignal(dbus.WithMatchInterface(iface), dbus.WithMatchMember(member)); err != nil {
		conn.Close()
		return nil, err
	}
	conn.Signal(ch)
	return conn, nil
}
