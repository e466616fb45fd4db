package flow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is the severity of a Notice.
type Level string

// Notice levels, matching the admin notice classes.
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a status line surfaced to the operator.
type Notice struct {
	Flow    Kind      `json:"flow"`
	RunID   string    `json:"run_id,omitempty"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Errors  []string  `json:"errors,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier surfaces notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

// Notifiers fans a notice out to every non-nil notifier in order.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(n Notice) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}

// LogNotifier writes notices to a zap logger at a level matching the notice.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wires a zap logger to the Notifier interface.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(n Notice) {
	fields := []zap.Field{
		zap.String("flow", string(n.Flow)),
		zap.String("run_id", n.RunID),
	}
	if len(n.Errors) > 0 {
		fields = append(fields, zap.Strings("errors", n.Errors))
	}
	switch n.Level {
	case LevelError:
		l.logger.Error(n.Message, fields...)
	case LevelWarning:
		l.logger.Warn(n.Message, fields...)
	default:
		l.logger.Info(n.Message, fields...)
	}
}

// Recorder keeps every notice it receives; handy for the control plane's
// notice history and for tests.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
	limit   int
}

// NewRecorder keeps at most limit notices (0 keeps everything).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Notify implements Notifier.
func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	if r.limit > 0 && len(r.notices) > r.limit {
		r.notices = append([]Notice(nil), r.notices[len(r.notices)-r.limit:]...)
	}
}

// Notices returns a copy of the recorded notices, oldest first.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Last returns the most recent notice.
func (r *Recorder) Last() (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}
