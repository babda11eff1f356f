package ws

import "github.com/screenroom/backend/internal/session"

// CoordinatorEvents is the observer surface the presentation layer
// subscribes to on the host side. Callbacks fire on the coordinator's own
// goroutines; marshaling onto a UI thread is the subscriber's job. Nil
// callbacks are skipped.
type CoordinatorEvents struct {
	// OnChat fires for every chat broadcast, the host's own included.
	OnChat func(nickname, message string)
	// OnMembers fires whenever the roster changes.
	OnMembers func(members []session.Member)
}

func (e CoordinatorEvents) emitChat(nickname, message string) {
	if e.OnChat != nil {
		e.OnChat(nickname, message)
	}
}

func (e CoordinatorEvents) emitMembers(members []session.Member) {
	if e.OnMembers != nil {
		e.OnMembers(members)
	}
}

// ClientEvents is the viewer-side observer surface. Same threading
// contract as CoordinatorEvents.
type ClientEvents struct {
	OnConnected    func()
	OnDisconnected func()
	// OnAuthenticated fires exactly once per successful authentication,
	// with the stream endpoint the playback collaborator should dial.
	OnAuthenticated func(serverIP string, streamPort int)
	OnChat          func(nickname, message string)
	OnMembers       func(members []session.Member)
	OnError         func(message string)
}

func (e ClientEvents) emitConnected() {
	if e.OnConnected != nil {
		e.OnConnected()
	}
}

func (e ClientEvents) emitDisconnected() {
	if e.OnDisconnected != nil {
		e.OnDisconnected()
	}
}

func (e ClientEvents) emitAuthenticated(serverIP string, streamPort int) {
	if e.OnAuthenticated != nil {
		e.OnAuthenticated(serverIP, streamPort)
	}
}

func (e ClientEvents) emitChat(nickname, message string) {
	if e.OnChat != nil {
		e.OnChat(nickname, message)
	}
}

func (e ClientEvents) emitMembers(members []session.Member) {
	if e.OnMembers != nil {
		e.OnMembers(members)
	}
}

func (e ClientEvents) emitError(message string) {
	if e.OnError != nil {
		e.OnError(message)
	}
}
