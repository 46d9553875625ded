package livelayer

import (
	"github.com/livefir/livelayer/internal/event"
	"github.com/livefir/livelayer/internal/layer"
)

// Event types emitted by the coordinator.
const (
	EventLayerOpen            = layer.EventOpen
	EventLayerOpened          = layer.EventOpened
	EventLayerAccept          = layer.EventAccept
	EventLayerAccepted        = layer.EventAccepted
	EventLayerDismiss         = layer.EventDismiss
	EventLayerDismissed       = layer.EventDismissed
	EventLayerLocationChanged = layer.EventLocationChanged

	// EventFragmentLoaded is cancelable. Preventing it discards the response
	// and rejects the render with an *AbortError.
	EventFragmentLoaded    = "up:fragment:loaded"
	EventFragmentInserted  = "up:fragment:inserted"
	EventFragmentDestroyed = "up:fragment:destroyed"
	// EventFragmentKeep is cancelable. Preventing it replaces the element instead.
	EventFragmentKeep  = "up:fragment:keep"
	EventFragmentKept  = "up:fragment:kept"
	EventRequestLoad   = "up:request:load"
	EventRequestLoaded = "up:request:loaded"
	// EventRequestAborted is emitted for every aborted request, including
	// members of a batched call.
	EventRequestAborted = "up:request:aborted"
)

// On registers fn for events of typ emitted anywhere. Use Layer.On for events
// of one layer. The returned func unregisters fn.
func (u *Up) On(typ string, fn Listener) (off func()) {
	return u.events.On(typ, fn)
}

// Emit dispatches an event on l and then globally. A nil layer emits globally
// only. Events matching an overlay's accept or dismiss event close it. Emit
// reports whether no listener prevented the event.
func (u *Up) Emit(l *Layer, typ string, props map[string]any) bool {
	return u.emitOn(l, event.NewCancelable(typ, props))
}

func (u *Up) emitOn(l *Layer, ev *event.Event) bool {
	if l == nil {
		return event.Emit(ev, u.events)
	}
	ok := u.stack.Emit(l, ev)
	u.checkEventConditions(l, ev)
	return ok
}

func (u *Up) checkEventConditions(l *Layer, ev *event.Event) {
	if !l.IsOverlay() || !l.IsOpen() {
		return
	}
	kind, ok := l.Conditions.EventOutcome(ev.Type)
	if !ok {
		return
	}
	value := ev.Value
	if value == nil {
		value = ev.Props
	}
	u.log.Printf("LIVELAYER: %s closes %s (%s)", ev.Type, l, kind)
	if err := u.closeLayer(l, kind, value, layer.CloseOptions{}); err != nil {
		u.log.Printf("LIVELAYER: could not close %s: %v", l, err)
	}
}
