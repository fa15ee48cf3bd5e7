package services

import (
	"math"
	"sync"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"go.uber.org/zap"
)

type InputLoggerConfig struct {
	// A MOUSE_MOVE is emitted only when both at least MouseMoveInterval has elapsed
	// and the pointer travelled more than MouseMoveDistance pixels since the last emitted move.
	MouseMoveInterval time.Duration
	MouseMoveDistance float64
	WheelInterval     time.Duration
}

func DefaultInputLoggerConfig() InputLoggerConfig {
	return InputLoggerConfig{
		MouseMoveInterval: 50 * time.Millisecond,
		MouseMoveDistance: 5,
		WheelInterval:     100 * time.Millisecond,
	}
}

// InputEventLogger turns raw DOM events into InputLogRecords, applying the sampling
// policy, and hands them to the sink in observation order.
type InputEventLogger struct {
	mu      sync.Mutex
	cfg     InputLoggerConfig
	clock   ports.MediaClock
	sink    ports.LogSink
	enabled bool
	now     func() time.Time

	hasMove    bool
	lastMoveAt int64
	lastMoveX  float64
	lastMoveY  float64

	hasWheel    bool
	lastWheelAt int64

	orphans int

	logger *zap.SugaredLogger
}

func NewInputEventLogger(cfg InputLoggerConfig, clock ports.MediaClock, sink ports.LogSink, logger *zap.SugaredLogger) *InputEventLogger {
	return &InputEventLogger{
		cfg:    cfg,
		clock:  clock,
		sink:   sink,
		now:    time.Now,
		logger: logger,
	}
}

// SetEnabled attaches or detaches the logger from the event stream.
// Sampling state is reset so a new capture starts fresh.
func (l *InputEventLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled == enabled {
		return
	}
	l.enabled = enabled
	l.hasMove = false
	l.hasWheel = false
}

func (l *InputEventLogger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// HandleEvent reports whether ev produced a record.
func (l *InputEventLogger) HandleEvent(ev domain.RawInputEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handleLocked(ev)
}

// HandleBatch processes events in order and returns how many records were emitted.
func (l *InputEventLogger) HandleBatch(events []domain.RawInputEvent) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	emitted := 0
	for _, ev := range events {
		if l.handleLocked(ev) {
			emitted++
		}
	}
	return emitted
}

// AddLog appends an already-built record, bypassing sampling.
func (l *InputEventLogger) AddLog(rec domain.InputLogRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLogLocked(rec)
}

// OrphanCount is the number of records logged while no segment was active.
func (l *InputEventLogger) OrphanCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orphans
}

func (l *InputEventLogger) handleLocked(ev domain.RawInputEvent) bool {
	if !l.enabled {
		return false
	}
	if !ev.Wellformed() {
		if l.logger != nil {
			l.logger.Debugw("ignoring malformed input event", "type", ev.Type)
		}
		return false
	}

	typ, _ := domain.InputTypeOf(ev.Type)
	ts := l.eventTime(ev)

	rec := domain.InputLogRecord{
		Type:              typ,
		ClientTimestampMs: ts,
	}

	switch {
	case typ.IsKeyboard():
		rec.Code = ev.Code
	case typ.IsMouseButton():
		rec.Button = ev.Button
		rec.X, rec.Y = ev.X, ev.Y
	case typ == domain.InputMouseMove:
		// A clock that stepped backwards restarts sampling from this event.
		if l.hasMove && ts >= l.lastMoveAt {
			elapsed := ts - l.lastMoveAt
			distance := math.Hypot(ev.X-l.lastMoveX, ev.Y-l.lastMoveY)
			if elapsed < l.cfg.MouseMoveInterval.Milliseconds() || distance <= l.cfg.MouseMoveDistance {
				return false
			}
		}
		l.hasMove = true
		l.lastMoveAt = ts
		l.lastMoveX, l.lastMoveY = ev.X, ev.Y
		rec.X, rec.Y = ev.X, ev.Y
	case typ == domain.InputWheel:
		if l.hasWheel && ts >= l.lastWheelAt && ts-l.lastWheelAt < l.cfg.WheelInterval.Milliseconds() {
			return false
		}
		l.hasWheel = true
		l.lastWheelAt = ts
		rec.DeltaX, rec.DeltaY = ev.DeltaX, ev.DeltaY
	}

	rec.MediaTimeMs = l.clock.GetMediaTime()
	l.addLogLocked(rec)
	return true
}

func (l *InputEventLogger) addLogLocked(rec domain.InputLogRecord) {
	stored := l.sink.AppendLog(rec)
	if stored.Orphaned() {
		l.orphans++
		if l.logger != nil {
			l.logger.Warnw("input event logged without an active segment",
				"type", stored.Type,
				"media_time_ms", stored.MediaTimeMs,
			)
		}
	}
}

func (l *InputEventLogger) eventTime(ev domain.RawInputEvent) int64 {
	if ev.TimeStamp > 0 {
		return int64(ev.TimeStamp)
	}
	return l.now().UnixMilli()
}
