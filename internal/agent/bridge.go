package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iter8/tracker-node/internal/actionlog"
	"github.com/iter8/tracker-node/internal/recorder"
	"github.com/iter8/tracker-node/pkg/shared"
)

const writeTimeout = 10 * time.Second

// ErrClosed is returned once the agent connection is gone.
var ErrClosed = errors.New("agent connection closed")

// Conn is the part of *websocket.Conn the bridge uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Bridge serves one agent connection. Run must be called to pump incoming
// frames; every other method may be called from any goroutine.
type Bridge struct {
	conn   Conn
	events *actionlog.Dispatcher
	log    *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	supported bool
	mimeTypes []string
	pageURL   string
	pending   map[string]chan Message
	abandoned map[string]struct{}
	active    *remoteRecorder
	onHello   func(Message)
	closed    bool
	done      chan struct{}
}

type Option func(*Bridge)

func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// OnHello registers fn to run when the agent announces itself.
func OnHello(fn func(Message)) Option {
	return func(b *Bridge) { b.onHello = fn }
}

func NewBridge(conn Conn, opts ...Option) *Bridge {
	b := &Bridge{
		conn:      conn,
		events:    actionlog.NewDispatcher(),
		log:       slog.Default(),
		pending:   make(map[string]chan Message),
		abandoned: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "agent")
	return b
}

// Dial connects to an agent listening at url, such as one inside a remote
// embed browser.
func Dial(ctx context.Context, url string, opts ...Option) (*Bridge, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", url, err)
	}
	return NewBridge(conn, opts...), nil
}

// Run reads frames until the connection fails or ctx ends, then releases
// everything waiting on the agent.
func (b *Bridge) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { b.conn.Close() })
	defer stop()
	defer b.shutdown()

	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read agent frame: %w", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			b.handleChunk(data)
		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				b.log.Warn("dropping malformed agent message", "error", err)
				continue
			}
			b.handleMessage(msg)
		}
	}
}

// Done is closed once the connection has shut down.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Close ends the connection. Run returns shortly after.
func (b *Bridge) Close() error {
	b.writeMu.Lock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = b.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
	b.writeMu.Unlock()
	return b.conn.Close()
}

// PageURL is the URL the agent last reported for the embedded page.
func (b *Bridge) PageURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pageURL
}

func (b *Bridge) handleMessage(msg Message) {
	switch msg.Type {
	case TypeHello:
		b.mu.Lock()
		b.supported = msg.Supported
		b.mimeTypes = slices.Clone(msg.MimeTypes)
		b.pageURL = msg.URL
		onHello := b.onHello
		b.mu.Unlock()
		b.log.Info("agent connected", "capture_supported", msg.Supported, "url", msg.URL)
		if onHello != nil {
			onHello(msg)
		}

	case TypeDOMEvent:
		if msg.Event == nil {
			return
		}
		b.events.Dispatch(*msg.Event)

	case TypeCaptureGranted, TypeCaptureDenied, TypeCaptureUnsupported:
		b.mu.Lock()
		ch, ok := b.pending[msg.ID]
		delete(b.pending, msg.ID)
		if ok {
			ch <- msg
		}
		_, late := b.abandoned[msg.ID]
		delete(b.abandoned, msg.ID)
		b.mu.Unlock()
		if late && msg.Type == TypeCaptureGranted {
			b.releaseStream(msg.ID)
		}

	case TypeRecorderStopped:
		if rec := b.takeActive(); rec != nil {
			rec.events.OnStop()
		}

	case TypeRecorderError:
		if rec := b.takeActive(); rec != nil {
			rec.events.OnError(fmt.Errorf("%w: %s", recorder.ErrFault, msg.Error))
		}

	default:
		b.log.Debug("ignoring agent message", "type", msg.Type)
	}
}

func (b *Bridge) handleChunk(data []byte) {
	b.mu.Lock()
	rec := b.active
	b.mu.Unlock()
	if rec == nil {
		b.log.Debug("dropping recorder chunk with no active recorder", "size", len(data))
		return
	}
	rec.events.OnData(data)
}

func (b *Bridge) takeActive() *remoteRecorder {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.active
	b.active = nil
	return rec
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]chan Message)
	clear(b.abandoned)
	rec := b.active
	b.active = nil
	b.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if rec != nil {
		rec.events.OnError(fmt.Errorf("%w: %w", recorder.ErrFault, ErrClosed))
	}
	close(b.done)
	b.log.Info("agent disconnected")
}

func (b *Bridge) send(msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Subscribe implements actionlog.EventSource. The agent is told which
// listeners to install; events come back as dom_event frames.
func (b *Bridge) Subscribe(kinds []actionlog.EventKind, capture bool, handler func(actionlog.DOMEvent)) (actionlog.Subscription, error) {
	sub, err := b.events.Subscribe(kinds, capture, handler)
	if err != nil {
		return nil, err
	}
	if err := b.send(Message{Type: TypeSubscribe, Kinds: kinds, Capture: capture}); err != nil {
		sub.Close()
		return nil, err
	}
	return &subscription{bridge: b, inner: sub, kinds: kinds}, nil
}

type subscription struct {
	bridge *Bridge
	inner  actionlog.Subscription
	kinds  []actionlog.EventKind
	once   sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.inner.Close()
		if sendErr := s.bridge.send(Message{Type: TypeUnsubscribe, Kinds: s.kinds}); sendErr != nil && !errors.Is(sendErr, ErrClosed) {
			err = sendErr
		}
	})
	return err
}

// Supported implements recorder.CaptureBackend using the capabilities the
// agent announced in its hello.
func (b *Bridge) Supported() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.supported && !b.closed
}

func (b *Bridge) IsTypeSupported(mimeType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.mimeTypes, mimeType)
}

// RequestDisplay asks the agent to open the capture picker and waits for the
// user's answer.
func (b *Bridge) RequestDisplay(ctx context.Context, c recorder.Constraints) (recorder.Stream, error) {
	id := uuid.NewString()
	reply := make(chan Message, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", recorder.ErrUnsupported, ErrClosed)
	}
	b.pending[id] = reply
	b.mu.Unlock()

	if err := b.send(Message{Type: TypeCaptureRequest, ID: id, Constraints: &c}); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", recorder.ErrFault, err)
	}

	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("%w: %w", recorder.ErrFault, ErrClosed)
		}
		switch msg.Type {
		case TypeCaptureGranted:
			s := &remoteStream{bridge: b}
			if msg.Settings != nil {
				s.settings = *msg.Settings
			}
			return s, nil
		case TypeCaptureDenied:
			return nil, fmt.Errorf("%w: %s", recorder.ErrPermissionDenied, msg.Error)
		default:
			return nil, fmt.Errorf("%w: %s", recorder.ErrUnsupported, msg.Error)
		}
	case <-ctx.Done():
		b.abandon(id, reply)
		return nil, fmt.Errorf("%w: %v", recorder.ErrFault, ctx.Err())
	}
}

// abandon forgets a capture request nobody waits for anymore. A grant that
// already arrived, or arrives later, has its stream stopped.
func (b *Bridge) abandon(id string, reply chan Message) {
	b.mu.Lock()
	_, waiting := b.pending[id]
	delete(b.pending, id)
	if waiting && !b.closed {
		b.abandoned[id] = struct{}{}
	}
	b.mu.Unlock()
	if waiting {
		return
	}
	select {
	case msg, ok := <-reply:
		if ok && msg.Type == TypeCaptureGranted {
			b.releaseStream(id)
		}
	default:
	}
}

func (b *Bridge) releaseStream(id string) {
	b.log.Info("stopping capture granted after its request was abandoned", "request_id", id)
	if err := b.send(Message{Type: TypeStreamStop, ID: id}); err != nil && !errors.Is(err, ErrClosed) {
		b.log.Warn("stopping abandoned capture", "error", err)
	}
}

type remoteStream struct {
	bridge   *Bridge
	settings recorder.VideoSettings
}

func (s *remoteStream) Settings() recorder.VideoSettings { return s.settings }

func (s *remoteStream) NewMediaRecorder(opts recorder.RecorderOptions, events recorder.RecorderEvents) (recorder.MediaRecorder, error) {
	rec := &remoteRecorder{bridge: s.bridge, opts: opts, events: events}
	s.bridge.mu.Lock()
	defer s.bridge.mu.Unlock()
	if s.bridge.closed {
		return nil, ErrClosed
	}
	if s.bridge.active != nil {
		return nil, errors.New("agent already has an active recorder")
	}
	s.bridge.active = rec
	return rec, nil
}

func (s *remoteStream) StopTracks() {
	if err := s.bridge.send(Message{Type: TypeStreamStop}); err != nil && !errors.Is(err, ErrClosed) {
		s.bridge.log.Warn("stopping capture tracks", "error", err)
	}
}

type remoteRecorder struct {
	bridge *Bridge
	opts   recorder.RecorderOptions
	events recorder.RecorderEvents
}

func (r *remoteRecorder) Start() error {
	opts := r.opts
	return r.bridge.send(Message{
		Type:        TypeRecorderStart,
		Options:     &opts,
		TimesliceMS: opts.Timeslice.Milliseconds(),
	})
}

func (r *remoteRecorder) Pause() error {
	return r.bridge.send(Message{Type: TypeRecorderPause})
}

func (r *remoteRecorder) Resume() error {
	return r.bridge.send(Message{Type: TypeRecorderResume})
}

func (r *remoteRecorder) Stop() error {
	err := r.bridge.send(Message{Type: TypeRecorderStop})
	if err != nil {
		r.bridge.mu.Lock()
		if r.bridge.active == r {
			r.bridge.active = nil
		}
		r.bridge.mu.Unlock()
	}
	return err
}

// Show implements recorder.Indicator.
func (b *Bridge) Show(rect shared.Rect, state recorder.IndicatorState) error {
	return b.send(Message{Type: TypeIndicatorShow, Rect: &rect, State: string(state)})
}

func (b *Bridge) Update(state recorder.IndicatorState) error {
	return b.send(Message{Type: TypeIndicatorUpdate, State: string(state)})
}

func (b *Bridge) Remove() error {
	return b.send(Message{Type: TypeIndicatorRemove})
}
