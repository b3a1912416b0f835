package actionlog

import (
	"github.com/iter8/tracker-node/pkg/shared"
)

// loggableKeys are the only keys recorded for keydown. Free text never is.
var loggableKeys = map[string]bool{
	"Enter":      true,
	"Tab":        true,
	"Escape":     true,
	"ArrowUp":    true,
	"ArrowDown":  true,
	"ArrowLeft":  true,
	"ArrowRight": true,
}

func (l *Logger) handleEvent(ev DOMEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Kind {
	case EventClick:
		l.appendLocked(shared.ActionClick, map[string]any{
			"target":      ev.Target.Tag,
			"targetId":    ev.Target.ID,
			"targetClass": ev.Target.Class,
			"button":      ev.Button,
		}, &shared.Coordinates{X: ev.ClientX, Y: ev.ClientY}, ev.Target.Tag)

	case EventScroll:
		l.appendLocked(shared.ActionScroll, map[string]any{
			"scrollTop":  ev.ScrollTop,
			"scrollLeft": ev.ScrollLeft,
			"target":     ev.Target.Tag,
		}, nil, "")

	case EventMouseMove:
		now := l.now()
		if !l.lastMouseMove.IsZero() && now.Sub(l.lastMouseMove) < mouseMoveInterval {
			return
		}
		if l.appendLocked(shared.ActionMouseMove, map[string]any{
			"clientX": ev.ClientX,
			"clientY": ev.ClientY,
			"pageX":   ev.PageX,
			"pageY":   ev.PageY,
		}, &shared.Coordinates{X: ev.ClientX, Y: ev.ClientY}, "") {
			l.lastMouseMove = now
		}

	case EventKeyDown:
		if !loggableKeys[ev.Key] {
			return
		}
		l.appendLocked(shared.ActionKeypress, map[string]any{
			"key":      ev.Key,
			"code":     ev.Code,
			"ctrlKey":  ev.CtrlKey,
			"shiftKey": ev.ShiftKey,
			"altKey":   ev.AltKey,
		}, nil, "")

	case EventFocusIn, EventFocusOut:
		actionType := shared.ActionFocus
		if ev.Kind == EventFocusOut {
			actionType = shared.ActionBlur
		}
		l.appendLocked(actionType, map[string]any{
			"target":      ev.Target.Tag,
			"targetId":    ev.Target.ID,
			"targetClass": ev.Target.Class,
		}, nil, ev.Target.Tag)

	case EventSubmit:
		l.appendLocked(shared.ActionFormSubmit, map[string]any{
			"formId":     ev.Target.ID,
			"formAction": ev.FormAction,
			"formMethod": ev.FormMethod,
		}, nil, "FORM")

	case EventResize:
		l.appendLocked(shared.ActionResize, map[string]any{
			"width":       ev.Width,
			"height":      ev.Height,
			"outerWidth":  ev.OuterWidth,
			"outerHeight": ev.OuterHeight,
		}, nil, "")

	default:
		l.log.Debug("ignoring unobserved event", "kind", ev.Kind)
	}
}
