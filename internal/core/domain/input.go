package domain

import "math"

type InputType string

const (
	InputKeyDown   InputType = "KEY_DOWN"
	InputKeyUp     InputType = "KEY_UP"
	InputMouseDown InputType = "MOUSE_DOWN"
	InputMouseUp   InputType = "MOUSE_UP"
	InputMouseMove InputType = "MOUSE_MOVE"
	InputWheel     InputType = "WHEEL"
)

func (t InputType) IsKeyboard() bool {
	return t == InputKeyDown || t == InputKeyUp
}

func (t InputType) IsMouseButton() bool {
	return t == InputMouseDown || t == InputMouseUp
}

// InputLogRecord is one observed user action. Keyboard records keep only the
// physical key code; the typed character is never stored.
type InputLogRecord struct {
	Type              InputType      `json:"type"`
	MediaTimeMs       int64          `json:"mediaTimeMs"`
	ClientTimestampMs int64          `json:"clientTimestampMs"`
	SegmentID         LocalSegmentID `json:"segmentId"`

	Code string `json:"code,omitempty"`
	// Button 0 is the primary button, so presence matters on the wire.
	Button int     `json:"button"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DeltaX float64 `json:"deltaX,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
}

func (r InputLogRecord) Orphaned() bool {
	return r.SegmentID == ""
}

// RawInputEvent is the DOM event shape posted by a page. Fields are untrusted.
type RawInputEvent struct {
	Type      string  `json:"type"`
	Code      string  `json:"code,omitempty"`
	Key       string  `json:"key,omitempty"`
	Button    int     `json:"button,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	DeltaX    float64 `json:"deltaX,omitempty"`
	DeltaY    float64 `json:"deltaY,omitempty"`
	TimeStamp float64 `json:"timeStamp,omitempty"` // epoch ms, 0 when the page did not send one
}

var domEventTypes = map[string]InputType{
	"keydown":     InputKeyDown,
	"keyup":       InputKeyUp,
	"mousedown":   InputMouseDown,
	"mouseup":     InputMouseUp,
	"mousemove":   InputMouseMove,
	"pointermove": InputMouseMove,
	"wheel":       InputWheel,
}

// InputTypeOf maps a DOM event name, or an already-normalized type, to an InputType.
func InputTypeOf(raw string) (InputType, bool) {
	if t, ok := domEventTypes[raw]; ok {
		return t, true
	}
	switch t := InputType(raw); t {
	case InputKeyDown, InputKeyUp, InputMouseDown, InputMouseUp, InputMouseMove, InputWheel:
		return t, true
	}
	return "", false
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Wellformed reports whether the event carries what its type requires.
func (e RawInputEvent) Wellformed() bool {
	t, ok := InputTypeOf(e.Type)
	if !ok {
		return false
	}
	if !finite(e.X, e.Y, e.DeltaX, e.DeltaY, e.TimeStamp) {
		return false
	}
	if t.IsKeyboard() && e.Code == "" {
		return false
	}
	return true
}
