package realtime_test

import (
	"encoding/json"
	"sync"
)

// delivery is one message as a socket would receive it.
type delivery struct {
	Room  string
	Event string
	Data  json.RawMessage
}

// fakeTransport is an in-memory room transport. Payloads are stored JSON encoded,
// as they would travel on the wire.
type fakeTransport struct {
	mu         sync.Mutex
	rooms      map[string]map[string]bool
	received   map[string][]delivery
	closed     map[string]bool
	down       map[string]bool
	joinErr    error
	emitRoomEr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		rooms:    make(map[string]map[string]bool),
		received: make(map[string][]delivery),
		closed:   make(map[string]bool),
		down:     make(map[string]bool),
	}
}

func (t *fakeTransport) Join(socketID, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.joinErr != nil {
		return t.joinErr
	}
	if t.rooms[room] == nil {
		t.rooms[room] = make(map[string]bool)
	}
	t.rooms[room][socketID] = true
	return nil
}

func (t *fakeTransport) Leave(socketID, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.rooms[room], socketID)
	return nil
}

func (t *fakeTransport) EmitToRoom(room, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.emitRoomEr != nil {
		return t.emitRoomEr
	}
	for s := range t.rooms[room] {
		t.received[s] = append(t.received[s], delivery{Room: room, Event: event, Data: b})
	}
	return nil
}

func (t *fakeTransport) Emit(socketID, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.received[socketID] = append(t.received[socketID], delivery{Event: event, Data: b})
	return nil
}

func (t *fakeTransport) Close(socketID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed[socketID] = true
	return nil
}

func (t *fakeTransport) Connected(socketID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.closed[socketID] && !t.down[socketID]
}

func (t *fakeTransport) isClosed(socketID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed[socketID]
}

func (t *fakeTransport) inRoom(socketID, room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rooms[room][socketID]
}

func (t *fakeTransport) messages(socketID string) []delivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]delivery(nil), t.received[socketID]...)
}

func (t *fakeTransport) events(socketID string) []string {
	var out []string
	for _, d := range t.messages(socketID) {
		out = append(out, d.Event)
	}
	return out
}

// last returns the data of the last message with the given event name.
func (t *fakeTransport) last(socketID, event string) (map[string]any, bool) {
	msgs := t.messages(socketID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Event != event {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(msgs[i].Data, &m); err != nil {
			return nil, false
		}
		return m, true
	}
	return nil, false
}

func (t *fakeTransport) reset(socketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.received, socketID)
}
