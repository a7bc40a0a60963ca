package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-go-golems/newschat/pkg/protocol"
	"github.com/go-go-golems/newschat/pkg/transport/push"
	"github.com/go-go-golems/newschat/pkg/transport/rest"
)

type emitted struct {
	event   string
	payload any
}

// fakePush is an in-process stand-in for the push client. onEmit runs on the emitting goroutine
// after the frame is recorded, so tests can script server replies.
type fakePush struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	handlers  map[string]map[uint64]push.Handler
	status    map[uint64]func(bool)
	nextID    uint64
	emitted   []emitted
	onEmit    func(event string, payload any)
}

func (f *fakePush) countEmitted(event string) int {
	n := 0
	for _, e := range f.emittedEvents() {
		if e == event {
			n++
		}
	}
	return n
}

var _ PushTransport = &fakePush{}

func newFakePush(connected bool) *fakePush {
	return &fakePush{
		connected: connected,
		handlers:  map[string]map[uint64]push.Handler{},
		status:    map[uint64]func(bool){},
	}
}

func (f *fakePush) setOnEmit(fn func(event string, payload any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEmit = fn
}

func (f *fakePush) setEmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitErr = err
}

func (f *fakePush) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePush) On(event string, h push.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[event] == nil {
		f.handlers[event] = map[uint64]push.Handler{}
	}
	f.handlers[event][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakePush) OnStatus(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.status[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.status, id)
	}
}

func (f *fakePush) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return push.ErrNotConnected
	}
	if f.emitErr != nil {
		err := f.emitErr
		f.mu.Unlock()
		return err
	}
	f.emitted = append(f.emitted, emitted{event: event, payload: payload})
	hook := f.onEmit
	f.mu.Unlock()
	if hook != nil {
		hook(event, payload)
	}
	return nil
}

func (f *fakePush) JoinSession(ctx context.Context, id string) error {
	return f.Emit(ctx, protocol.EventJoinSession, id)
}

func (f *fakePush) LeaveSession(ctx context.Context, id string) error {
	return f.Emit(ctx, protocol.EventLeaveSession, id)
}

func (f *fakePush) fire(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	hs := make([]push.Handler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakePush) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	fns := make([]func(bool), 0, len(f.status))
	for _, fn := range f.status {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (f *fakePush) handlerCount(events ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range events {
		n += len(f.handlers[e])
	}
	return n
}

func (f *fakePush) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.status)
}

func (f *fakePush) emittedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.emitted))
	for _, e := range f.emitted {
		out = append(out, e.event)
	}
	return out
}

// roomEvents lists join/leave frames as "join:<id>" and "leave:<id>".
func (f *fakePush) roomEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.emitted {
		switch e.event {
		case protocol.EventJoinSession:
			out = append(out, fmt.Sprintf("join:%v", e.payload))
		case protocol.EventLeaveSession:
			out = append(out, fmt.Sprintf("leave:%v", e.payload))
		}
	}
	return out
}

// fakeRequest records every call as a short string and answers from its fields.
type fakeRequest struct {
	mu sync.Mutex

	sessions   []protocol.SessionSummary
	listErr    error
	createErr  error
	renameErr  error
	renameEcho *protocol.SessionSummary
	deleteErr  error
	reply      protocol.ChatResponse
	sendErr    error
	history    map[string]string
	historyErr error
	legacy     map[string]string

	created int
	calls   []string
}

var _ RequestTransport = &fakeRequest{}

func newFakeRequest() *fakeRequest {
	return &fakeRequest{history: map[string]string{}, legacy: map[string]string{}}
}

func (f *fakeRequest) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeRequest) callsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRequest) count(call string) int {
	n := 0
	for _, c := range f.callsSnapshot() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRequest) ListSessions(context.Context) ([]protocol.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]protocol.SessionSummary(nil), f.sessions...), nil
}

func (f *fakeRequest) CreateSession(_ context.Context, title string) (protocol.SessionCreated, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.createErr != nil {
		return protocol.SessionCreated{}, f.createErr
	}
	f.created++
	if title == "" {
		title = DefaultSessionTitle
	}
	return protocol.SessionCreated{SessionID: fmt.Sprintf("r%d", f.created), Title: title}, nil
}

func (f *fakeRequest) RenameSession(_ context.Context, id, title string) (rest.RenameResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rename:" + id + ":" + title)
	if f.renameErr != nil {
		return rest.RenameResult{}, f.renameErr
	}
	return rest.RenameResult{Title: title, Session: f.renameEcho}, nil
}

func (f *fakeRequest) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete:" + id)
	return f.deleteErr
}

func (f *fakeRequest) SendMessage(_ context.Context, sessionID, message string) (protocol.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("send:" + sessionID + ":" + message)
	if f.sendErr != nil {
		return protocol.ChatResponse{}, f.sendErr
	}
	return f.reply, nil
}

func (f *fakeRequest) History(_ context.Context, sessionID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("history:" + sessionID)
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return []byte(f.history[sessionID]), nil
}

func (f *fakeRequest) LegacyHistory(_ context.Context, sessionID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("legacy:" + sessionID)
	body, ok := f.legacy[sessionID]
	if !ok {
		return nil, &rest.StatusError{Op: "legacy history", Status: 404}
	}
	return []byte(body), nil
}
