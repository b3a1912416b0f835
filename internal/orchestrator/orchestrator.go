// Package orchestrator keeps the node's live tracking sessions, attaches
// page agents to them and expires the idle ones.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/iter8/tracker-node/internal/actionlog"
	"github.com/iter8/tracker-node/internal/agent"
	"github.com/iter8/tracker-node/internal/recorder"
	"github.com/iter8/tracker-node/internal/tracking"
	"github.com/iter8/tracker-node/pkg/shared"
)

const (
	defaultSessionTimeout = 15 * time.Minute
	cleanupInterval       = 1 * time.Minute
	agentCloseTimeout     = 5 * time.Second
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one tracked visit. Agents may come and go; the tracker and its
// action log live until the session is destroyed or expires.
type Session struct {
	ID        string
	Tracker   *tracking.Tracker
	Browser   *Browser
	CreatedAt time.Time

	expiresAt time.Time
	events    *actionlog.Dispatcher
	slot      agentSlot
}

// AgentConnected reports whether a page agent is attached right now.
func (s *Session) AgentConnected() bool {
	return s.slot.get() != nil
}

// PageURL is the URL the attached agent reported when it connected.
func (s *Session) PageURL() string {
	if b := s.slot.get(); b != nil {
		return b.PageURL()
	}
	return ""
}

// revoker is a blob store that can release a stored recording.
type revoker interface {
	Revoke(url string)
}

type CreateOptions struct {
	// RemoteBrowser starts an embed browser container for the session.
	RemoteBrowser bool
	URL           string
}

type Orchestrator struct {
	docker       *client.Client
	httpClient   *http.Client
	sessions     map[string]*Session
	mu           sync.RWMutex
	networkName  string
	browserImage string
	timeout      time.Duration
	store        recorder.BlobStore
	log          *slog.Logger
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Orchestrator)

// WithDocker enables remote embed browsers. An empty image selects the
// default one.
func WithDocker(docker *client.Client, networkName, image string) Option {
	return func(o *Orchestrator) {
		o.docker = docker
		o.networkName = networkName
		if image != "" {
			o.browserImage = image
		}
	}
}

// WithBlobStore sets where finished recordings are kept.
func WithBlobStore(store recorder.BlobStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

func WithSessionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		sessions:     make(map[string]*Session),
		browserImage: defaultBrowserImage,
		timeout:      defaultSessionTimeout,
		store:        recorder.NewMemoryBlobStore(),
		log:          slog.Default(),
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "orchestrator")
	return o
}

func (o *Orchestrator) Start(ctx context.Context) {
	go o.cleanupLoop(ctx)
}

// Stop ends the sweep and disconnects every remote agent. Sessions are left
// to Shutdown.
func (o *Orchestrator) Stop() {
	o.cancel()
}

// Shutdown destroys every session.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	for _, id := range ids {
		_ = o.DestroySession(ctx, id)
	}
	o.Stop()
}

func (o *Orchestrator) CreateSession(ctx context.Context, req CreateOptions) (*Session, error) {
	sessionID := uuid.New().String()
	log := o.log.With("session_id", sessionID)

	sess := &Session{
		ID:     sessionID,
		events: actionlog.NewDispatcher(),
	}
	rec := recorder.New(sessionID, &sess.slot,
		recorder.WithIndicator(&sess.slot),
		recorder.WithBlobStore(o.store),
		recorder.WithClock(o.now),
		recorder.WithLogger(log),
	)
	sess.Tracker = tracking.New(tracking.Config{
		SessionID:     sessionID,
		Events:        sess.events,
		Recorder:      rec,
		Logger:        log,
		LoggerOptions: []actionlog.Option{actionlog.WithClock(o.now)},
	})

	if req.URL != "" {
		url, err := shared.NormalizeURL(req.URL)
		if err != nil {
			return nil, err
		}
		sess.Tracker.UpdateCurrentURL(url)
	}

	if req.RemoteBrowser {
		browser, err := o.startBrowser(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		sess.Browser = browser

		bridge, err := agent.Dial(ctx, browser.AgentURL(), o.bridgeOptions(sess)...)
		if err != nil {
			o.stopContainer(ctx, browser.ContainerID)
			return nil, err
		}
		go func() {
			if err := o.runAgent(o.ctx, sess, bridge); err != nil {
				log.Warn("remote agent disconnected", "error", err)
			}
		}()
	}

	now := o.now().UTC()
	sess.CreatedAt = now
	sess.expiresAt = now.Add(o.timeout)

	o.mu.Lock()
	o.sessions[sessionID] = sess
	o.mu.Unlock()

	if req.RemoteBrowser && req.URL != "" {
		if err := o.OpenURL(ctx, sessionID, req.URL); err != nil {
			_ = o.DestroySession(ctx, sessionID)
			return nil, err
		}
	}

	log.Info("session created", "remote_browser", req.RemoteBrowser)
	return sess, nil
}

// GetSession returns a live session and extends its expiry.
func (o *Orchestrator) GetSession(sessionID string) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	sess.expiresAt = o.now().UTC().Add(o.timeout)
	return sess, nil
}

// ExpiresAt reports when the session will be swept if left idle.
func (o *Orchestrator) ExpiresAt(sess *Session) time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return sess.expiresAt
}

func (o *Orchestrator) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// DestroySession releases everything the session holds: observers, media,
// overlay, agent connection, in-memory recording and container.
func (o *Orchestrator) DestroySession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}

	sess.Tracker.ForceCleanup()
	if b := sess.slot.get(); b != nil {
		_ = b.Close()
		select {
		case <-b.Done():
		case <-ctx.Done():
		case <-time.After(agentCloseTimeout):
			o.log.Warn("agent did not disconnect in time", "session_id", sessionID)
		}
	}
	if store, ok := o.store.(revoker); ok {
		if rec := sess.Tracker.CurrentSessionData().ScreenRecording; rec != nil && rec.RecordingURL != "" {
			store.Revoke(rec.RecordingURL)
		}
	}
	if sess.Browser != nil && o.docker != nil {
		o.stopContainer(ctx, sess.Browser.ContainerID)
	}
	o.log.Info("session destroyed", "session_id", sessionID)
	return nil
}

// AttachAgent serves a page agent for the session over conn and blocks until
// the agent goes away. A newer agent replaces an older one.
func (o *Orchestrator) AttachAgent(ctx context.Context, sessionID string, conn agent.Conn) error {
	sess, err := o.GetSession(sessionID)
	if err != nil {
		conn.Close()
		return err
	}
	return o.runAgent(ctx, sess, agent.NewBridge(conn, o.bridgeOptions(sess)...))
}

func (o *Orchestrator) bridgeOptions(sess *Session) []agent.Option {
	return []agent.Option{
		agent.WithLogger(o.log.With("session_id", sess.ID)),
		agent.OnHello(func(m agent.Message) {
			if m.URL != "" {
				sess.Tracker.UpdateCurrentURL(m.URL)
			}
		}),
	}
}

func (o *Orchestrator) runAgent(ctx context.Context, sess *Session, b *agent.Bridge) error {
	if prev := sess.slot.get(); prev != nil {
		_ = prev.Close()
	}
	sess.slot.set(b)
	defer sess.slot.clear(b)

	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()

	sub, err := b.Subscribe(actionlog.ObservedKinds, true, func(ev actionlog.DOMEvent) {
		sess.events.Dispatch(ev)
	})
	if err != nil {
		_ = b.Close()
		<-errc
		return fmt.Errorf("subscribe agent events: %w", err)
	}
	defer sub.Close()

	return <-errc
}

// OpenURL points the session at a new page. The move is logged as a
// navigation, and remote browsers are asked to load it.
func (o *Orchestrator) OpenURL(ctx context.Context, sessionID, rawURL string) error {
	sess, err := o.GetSession(sessionID)
	if err != nil {
		return err
	}
	url, err := shared.NormalizeURL(rawURL)
	if err != nil {
		return err
	}

	if sess.Browser != nil && o.docker != nil {
		if err := o.navigate(ctx, sess.Browser, url); err != nil {
			return err
		}
	}

	sess.Tracker.LogCustomAction(shared.ActionNavigation, map[string]any{
		"from": sess.Tracker.CurrentURL(),
		"to":   url,
	}, nil, "")
	sess.Tracker.UpdateCurrentURL(url)
	return nil
}

func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.cleanupExpiredSessions(ctx)
		}
	}
}

func (o *Orchestrator) cleanupExpiredSessions(ctx context.Context) {
	now := o.now().UTC()

	o.mu.RLock()
	var expired []string
	for id, sess := range o.sessions {
		if now.After(sess.expiresAt) {
			expired = append(expired, id)
		}
	}
	o.mu.RUnlock()

	for _, id := range expired {
		o.log.Info("cleaning up expired session", "session_id", id)
		_ = o.DestroySession(ctx, id)
	}
}
