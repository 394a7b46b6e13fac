// Package signals feeds the coordinator's sleep and screen gates from
// D-Bus: logind's PrepareForSleep on the system bus and the freedesktop
// screensaver's ActiveChanged on the session bus.
package signals

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	LogindInterface      = "org.freedesktop.login1.Manager"
	PrepareForSleep      = "PrepareForSleep"
	ScreenSaverInterface = "org.freedesktop.ScreenSaver"
	ActiveChanged        = "ActiveChanged"
)

// Gates receives gate changes.
type Gates interface {
	SetSleeping(asleep bool)
	SetScreenOn(on bool)
}

// Config selects which sources are watched.
type Config struct {
	Sleep  bool
	Screen bool
	Logger *slog.Logger
}

// Source forwards D-Bus signals to Gates.
type Source struct {
	cfg    Config
	gates  Gates
	logger *slog.Logger
}

// New returns a Source forwarding to gates.
func New(cfg Config, gates Gates) *Source {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, gates: gates, logger: logger.With("component", "signals")}
}

// dispatch applies one signal. It reports whether the signal was
// recognized.
func (s *Source) dispatch(sig *dbus.Signal) bool {
	if sig == nil || len(sig.Body) == 0 {
		return false
	}
	v, ok := sig.Body[0].(bool)
	if !ok {
		return false
	}

	switch sig.Name {
	case LogindInterface + "." + PrepareForSleep:
		if !s.cfg.Sleep {
			return false
		}
		s.logger.Info("sleep signal", "sleeping", v)
		s.gates.SetSleeping(v)
	case ScreenSaverInterface + "." + ActiveChanged:
		if !s.cfg.Screen {
			return false
		}
		s.logger.Info("screensaver signal", "active", v)
		s.gates.SetScreenOn(!v)
	default:
		return false
	}
	return true
}
