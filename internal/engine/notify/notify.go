package notify

import "log/slog"

// Level is the notification severity shown to the user.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Action is an optional affordance attached to a notification, e.g. a
// "Retry" button that replays the failed operation.
type Action struct {
	Label string
	Run   func()
}

// Notification is one user-facing message. The engine produces these; a UI
// layer owns rendering.
type Notification struct {
	Level   Level
	Message string
	Action  *Action
}

// Notifier is the notification sink contract.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to the Notifier interface.
type Func func(n Notification)

func (f Func) Notify(n Notification) { f(n) }

// Slog logs notifications through slog. The default sink for headless runs.
type Slog struct {
	Log *slog.Logger
}

func (s *Slog) Notify(n Notification) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	switch n.Level {
	case LevelError:
		log.Error(n.Message)
	case LevelWarning:
		log.Warn(n.Message)
	default:
		log.Info(n.Message)
	}
}

// Discard drops every notification. Useful in tests.
type Discard struct{}

func (Discard) Notify(Notification) {}
