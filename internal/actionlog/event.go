package actionlog

// EventKind is the DOM event name an EventSource delivers.
type EventKind string

const (
	EventClick     EventKind = "click"
	EventScroll    EventKind = "scroll"
	EventMouseMove EventKind = "mousemove"
	EventKeyDown   EventKind = "keydown"
	EventFocusIn   EventKind = "focusin"
	EventFocusOut  EventKind = "focusout"
	EventSubmit    EventKind = "submit"
	EventResize    EventKind = "resize"
)

// ObservedKinds are the events the logger subscribes to.
var ObservedKinds = []EventKind{
	EventClick,
	EventScroll,
	EventMouseMove,
	EventKeyDown,
	EventFocusIn,
	EventFocusOut,
	EventSubmit,
	EventResize,
}

type Target struct {
	Tag   string `json:"tag"`
	ID    string `json:"id,omitempty"`
	Class string `json:"class,omitempty"`
}

// DOMEvent is the subset of a browser event the logger reads. Fields that do
// not apply to Kind are left zero by the agent.
type DOMEvent struct {
	Kind   EventKind `json:"kind"`
	Target Target    `json:"target"`

	ClientX float64 `json:"clientX,omitempty"`
	ClientY float64 `json:"clientY,omitempty"`
	PageX   float64 `json:"pageX,omitempty"`
	PageY   float64 `json:"pageY,omitempty"`
	Button  int     `json:"button,omitempty"`

	Key      string `json:"key,omitempty"`
	Code     string `json:"code,omitempty"`
	CtrlKey  bool   `json:"ctrlKey,omitempty"`
	ShiftKey bool   `json:"shiftKey,omitempty"`
	AltKey   bool   `json:"altKey,omitempty"`

	ScrollTop  float64 `json:"scrollTop,omitempty"`
	ScrollLeft float64 `json:"scrollLeft,omitempty"`

	FormAction string `json:"formAction,omitempty"`
	FormMethod string `json:"formMethod,omitempty"`

	Width       int `json:"width,omitempty"`
	Height      int `json:"height,omitempty"`
	OuterWidth  int `json:"outerWidth,omitempty"`
	OuterHeight int `json:"outerHeight,omitempty"`
}

// EventSource delivers DOM events of the requested kinds to handler until the
// returned Subscription is closed. With capture set, listeners run in the
// capture phase so page handlers cannot hide events by stopping propagation.
//
// Subscribe must not invoke handler before it returns. handler may be called
// from any goroutine, one event at a time.
type EventSource interface {
	Subscribe(kinds []EventKind, capture bool, handler func(DOMEvent)) (Subscription, error)
}

// Subscription is an active registration on an EventSource.
type Subscription interface {
	Close() error
}
