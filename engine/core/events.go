package core

import "sync"

// EventContext is the payload delivered to listeners.
type EventContext struct {
	// Name of the job, resource or asset the event is about.
	Name string
	// Frame number, when the event belongs to a frame.
	Frame uint64
	// Err is set for failure events.
	Err error
	// Data carries event specific values.
	Data interface{}
}

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// A resource finished all its loading stages.
	/* Context usage:
	 * name = resource name
	 */
	EVENT_CODE_RESOURCE_LOADED SystemEventCode = 0x02

	// A resource failed one of its loading stages.
	/* Context usage:
	 * name = resource name, err = cause
	 */
	EVENT_CODE_RESOURCE_FAILED SystemEventCode = 0x03

	// A watched asset file was created or modified.
	/* Context usage:
	 * name = asset path
	 */
	EVENT_CODE_ASSET_CHANGED SystemEventCode = 0x04

	// The render job of a frame failed and the frame was dropped.
	/* Context usage:
	 * frame = frame number, err = cause
	 */
	EVENT_CODE_FRAME_DROPPED SystemEventCode = 0x05

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// This should be more than enough codes...
const MAX_MESSAGE_CODES = 16384

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

type eventCodeEntry struct {
	events []*registeredEvent
}

// State structure.
type eventSystemState struct {
	mu sync.RWMutex
	// Lookup table for event codes.
	registered [MAX_MESSAGE_CODES]eventCodeEntry
}

/**
 * Event system internal state.
 */
var eventMutex sync.Mutex
var eventState *eventSystemState = nil

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, listenerInst interface{}, data EventContext) bool

func EventInitialize() bool {
	eventMutex.Lock()
	defer eventMutex.Unlock()
	if eventState != nil {
		return false
	}
	eventState = &eventSystemState{}
	return true
}

func EventShutdown() error {
	eventMutex.Lock()
	defer eventMutex.Unlock()
	// Objects pointed to by listeners should be destroyed on their own.
	eventState = nil
	return nil
}

func getEventState() *eventSystemState {
	eventMutex.Lock()
	defer eventMutex.Unlock()
	return eventState
}

func validCode(code SystemEventCode) bool {
	return code >= 0 && int(code) < MAX_MESSAGE_CODES
}

/**
 * Register to listen for when events are sent with the provided code. Events with duplicate
 * listeners will not be registered again and will cause this to return false.
 * @param code The event code to listen for.
 * @param listener A listener instance. Can be nil.
 * @param onEvent The callback to be invoked when the event code is fired.
 * @returns true if the event is successfully registered; otherwise false.
 */
func EventRegister(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	state := getEventState()
	if state == nil || !validCode(code) || onEvent == nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	for _, e := range state.registered[code].events {
		if e.listener == listener {
			LogWarn("listener already registered for event code %d", code)
			return false
		}
	}
	// If at this point, no duplicate was found. Proceed with registration.
	state.registered[code].events = append(state.registered[code].events, &registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

/**
 * Unregister from listening for when events are sent with the provided code. If no matching
 * registration is found, this function returns false.
 */
func EventUnregister(code SystemEventCode, listener interface{}) bool {
	state := getEventState()
	if state == nil || !validCode(code) {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	events := state.registered[code].events
	for i, e := range events {
		if e.listener == listener {
			state.registered[code].events = append(events[:i:i], events[i+1:]...)
			return true
		}
	}
	// Not found.
	return false
}

/**
 * Fires an event to listeners of the given code. If an event handler returns
 * true, the event is considered handled and is not passed on to any more listeners.
 * Safe to call from any goroutine, including job bodies.
 * @returns true if handled, otherwise false.
 */
func EventFire(code SystemEventCode, sender interface{}, context EventContext) bool {
	state := getEventState()
	if state == nil || !validCode(code) {
		return false
	}
	state.mu.RLock()
	events := append([]*registeredEvent(nil), state.registered[code].events...)
	state.mu.RUnlock()

	for _, e := range events {
		if e.callback(code, sender, e.listener, context) {
			// Message has been handled, do not send to other listeners.
			return true
		}
	}
	return false
}
