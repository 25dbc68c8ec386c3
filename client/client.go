// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the composition root: it wires the session,
// protocol router, transfer engine, presence tracker, telemetry
// sampler, and storage together, and serializes every inbound event
// through one handler goroutine.
//
// Transport callbacks (frames, channel state, link state, telemetry
// samples) arrive on pion's internal goroutines. Each is converted to
// an event and queued; the single loop goroutine applies them in
// arrival order, which is the concurrency model the protocol assumes.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/sidelink/sidelink/lib/clock"
	"github.com/sidelink/sidelink/presence"
	"github.com/sidelink/sidelink/protocol"
	"github.com/sidelink/sidelink/relay"
	"github.com/sidelink/sidelink/session"
	"github.com/sidelink/sidelink/storage"
	"github.com/sidelink/sidelink/telemetry"
	"github.com/sidelink/sidelink/transfer"
)

// DefaultAutosave is the cadence of chat log snapshots during a call.
const DefaultAutosave = 10 * time.Second

// eventKind enumerates everything the loop reacts to.
type eventKind int

const (
	eventFrame eventKind = iota
	eventChannelOpen
	eventChannelClosed
	eventLinkState
	eventSample
)

type event struct {
	kind    eventKind
	frame   []byte
	channel *session.Channel
	state   webrtc.PeerConnectionState
	sample  telemetry.Sample
}

// Hooks are optional UI callbacks. They fire from the loop goroutine,
// except OnChatUpdated which may also fire from a presence decay
// timer; implementations must be safe for that.
type Hooks struct {
	// OnChatUpdated fires after any change to the chat log or
	// presence set.
	OnChatUpdated func()

	// OnSample fires on each telemetry reading.
	OnSample func(telemetry.Sample)

	// OnLinkState fires on peer link state transitions.
	OnLinkState func(webrtc.PeerConnectionState)
}

// Config collects the client's collaborators and tuning. Store and
// Relay are optional; zero durations take package defaults.
type Config struct {
	Username   string
	ICEServers []webrtc.ICEServer
	Relay      relay.Exchange
	Media      session.Media
	Store      *storage.Store
	Logger     *slog.Logger
	Clock      clock.Clock

	GatherTimeout time.Duration
	PresenceDecay time.Duration
	StatsInterval time.Duration
	Autosave      time.Duration

	ChunkSize    int
	Watermark    int
	PollInterval time.Duration
	MaxFileSize  int64

	Hooks Hooks
}

// Client is one endpoint of a sidelink conversation.
type Client struct {
	username string
	logger   *slog.Logger
	clock    clock.Clock
	store    *storage.Store
	hooks    Hooks
	autosave time.Duration

	session  *session.Session
	router   *protocol.Router
	engine   *transfer.Engine
	log      *protocol.ChatLog
	presence *presence.Tracker
	sampler  *telemetry.Sampler
	link     *link

	events chan event
	done   chan struct{}
	stop   sync.Once

	mu         sync.Mutex
	muted      bool
	videoOff   bool
	peer       string
	callStart  time.Time
	lastSample telemetry.Sample
}

// New assembles a client and starts its event loop. Call Close to
// stop it.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	autosave := cfg.Autosave
	if autosave <= 0 {
		autosave = DefaultAutosave
	}

	c := &Client{
		username: cfg.Username,
		logger:   logger,
		clock:    clk,
		store:    cfg.Store,
		hooks:    cfg.Hooks,
		autosave: autosave,
		link:     &link{},
		events:   make(chan event, 256),
		done:     make(chan struct{}),
	}

	c.log = protocol.NewChatLog(clk)
	c.presence = presence.NewTrackerWithDecay(clk, cfg.PresenceDecay)
	c.presence.OnChange = c.notifyChat

	var transferStore transfer.Store
	var albums protocol.AlbumSink
	if cfg.Store != nil {
		transferStore = cfg.Store.TransferStore()
		albums = albumSink{store: cfg.Store}
	}

	c.engine = transfer.NewEngine(transfer.Config{
		Channel:      c.link,
		Store:        transferStore,
		Log:          c.log,
		Clock:        clk,
		Logger:       logger,
		Username:     cfg.Username,
		ChunkSize:    cfg.ChunkSize,
		Watermark:    cfg.Watermark,
		PollInterval: cfg.PollInterval,
		MaxFileSize:  cfg.MaxFileSize,
	})

	c.router = protocol.NewRouter(protocol.RouterConfig{
		Sender:       c.link,
		Log:          c.log,
		Clock:        clk,
		Logger:       logger,
		Username:     cfg.Username,
		Presence:     c.presence,
		Transfers:    c.engine,
		Albums:       albums,
		Controls:     remoteControls{client: c},
		OnPeerOnline: c.setPeer,
	})

	c.session = session.New(session.Config{
		ICEServers:    cfg.ICEServers,
		Relay:         cfg.Relay,
		Media:         cfg.Media,
		Logger:        logger,
		GatherTimeout: cfg.GatherTimeout,
		Hooks: session.Hooks{
			OnChannelOpen:  func(ch *session.Channel) { c.post(event{kind: eventChannelOpen, channel: ch}) },
			OnChannelClose: func() { c.post(event{kind: eventChannelClosed}) },
			OnMessage:      func(frame []byte) { c.post(event{kind: eventFrame, frame: frame}) },
			OnLinkState:    func(state webrtc.PeerConnectionState) { c.post(event{kind: eventLinkState, state: state}) },
		},
	})

	c.sampler = telemetry.NewSampler(telemetry.Config{
		Source:   c.session,
		Clock:    clk,
		Logger:   logger,
		Interval: cfg.StatsInterval,
		Sink:     func(sample telemetry.Sample) { c.post(event{kind: eventSample, sample: sample}) },
	})

	go c.run()
	return c
}

// post queues one event for the loop. Events arriving after Close are
// dropped; a full queue drops the event rather than blocking a pion
// goroutine.
func (c *Client) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		c.logger.Warn("event queue full, dropping event", "kind", int(ev.kind))
	}
}

// run is the single handler goroutine.
func (c *Client) run() {
	ticker := c.clock.NewTicker(c.autosave)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.autosaveChat()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Client) handle(ev event) {
	switch ev.kind {
	case eventFrame:
		c.router.HandleFrame(ev.frame)
		c.notifyChat()

	case eventChannelOpen:
		c.link.set(ev.channel)
		c.mu.Lock()
		if c.callStart.IsZero() {
			c.callStart = c.clock.Now()
		}
		c.mu.Unlock()

		// Announce ourselves so the peer's status line updates.
		c.router.SendPresence()
		c.sampler.Start()
		c.notifyChat()

	case eventChannelClosed:
		c.sampler.Stop()
		c.notifyChat()

	case eventLinkState:
		c.logger.Info("link state", "state", ev.state.String())
		if c.hooks.OnLinkState != nil {
			c.hooks.OnLinkState(ev.state)
		}

	case eventSample:
		c.mu.Lock()
		c.lastSample = ev.sample
		c.mu.Unlock()
		if c.hooks.OnSample != nil {
			c.hooks.OnSample(ev.sample)
		}
	}
}

func (c *Client) notifyChat() {
	if c.hooks.OnChatUpdated != nil {
		c.hooks.OnChatUpdated()
	}
}

func (c *Client) setPeer(username string) {
	c.mu.Lock()
	c.peer = username
	c.mu.Unlock()
	c.logger.Info("peer online", "peer", username)
}

// CreateOffer starts a call: allocates the link and returns the offer
// export for out-of-band delivery.
func (c *Client) CreateOffer(ctx context.Context) (session.Export, error) {
	return c.session.CreateOffer(ctx)
}

// ApplyRemote consumes the peer's descriptor (or relay URL). Answering
// an offer returns the answer export.
func (c *Client) ApplyRemote(ctx context.Context, input string) (session.Export, error) {
	return c.session.ApplyRemote(ctx, input)
}

// EndCall persists the call record and chat snapshot, stops
// telemetry, and tears the link down. Idempotent.
func (c *Client) EndCall(ctx context.Context) {
	c.mu.Lock()
	started := c.callStart
	peer := c.peer
	c.callStart = time.Time{}
	c.mu.Unlock()

	c.sampler.Stop()

	if c.store != nil && !started.IsZero() {
		if peer == "" {
			peer = "peer"
		}
		ended := c.clock.Now()
		if _, err := c.store.PutCallRecord(ctx, storage.CallRecord{
			Peer:      peer,
			StartedAt: started.UnixMilli(),
			EndedAt:   ended.UnixMilli(),
			Messages:  c.log.Len(),
		}); err != nil {
			c.logger.Error("persisting call record failed", "error", err)
		}
		c.snapshotChat(ctx, peer, started)
	}

	c.session.End()
	c.link.set(nil)
}

// Close stops the event loop. The link, if any, is ended first.
func (c *Client) Close() {
	c.EndCall(context.Background())
	c.stop.Do(func() { close(c.done) })
}

// autosaveChat persists the chat log periodically during a call so a
// crash loses at most one interval.
func (c *Client) autosaveChat() {
	c.mu.Lock()
	started := c.callStart
	peer := c.peer
	c.mu.Unlock()

	if c.store == nil || started.IsZero() || c.log.Len() == 0 {
		return
	}
	if peer == "" {
		peer = "peer"
	}
	c.snapshotChat(context.Background(), peer, started)
}

// snapshotChat writes the chat log under a stable per-call id so the
// autosave and the final save at call end replace one row rather than
// accumulating.
func (c *Client) snapshotChat(ctx context.Context, peer string, started time.Time) {
	snapshot := storage.ChatSnapshot{
		ID:      "chat_" + peer,
		Peer:    peer,
		SavedAt: c.clock.Now().UnixMilli(),
		Entries: c.log.Entries(),
	}
	if !started.IsZero() {
		snapshot.ID = "chat_" + peer + "_" + started.UTC().Format("20060102T150405")
	}
	if _, err := c.store.PutChatSnapshot(ctx, snapshot); err != nil {
		c.logger.Error("persisting chat snapshot failed", "error", err)
	}
}

// SendChat sends a chat message, returning its id ("" when the
// channel is not open).
func (c *Client) SendChat(text string) string {
	id := c.router.SendChat(text)
	c.notifyChat()
	return id
}

// SendTyping emits a typing indicator.
func (c *Client) SendTyping() { c.router.SendTyping() }

// SendReaction records a reaction locally and signals the peer.
func (c *Client) SendReaction(id, symbol string) {
	c.router.SendReaction(id, symbol)
	c.notifyChat()
}

// EditMessage rewrites a sent message.
func (c *Client) EditMessage(id, text string) {
	c.router.SendEdit(id, text)
	c.notifyChat()
}

// DeleteMessage tombstones a message, leaving a local undo window.
func (c *Client) DeleteMessage(id string) {
	c.router.SendDelete(id)
	c.notifyChat()
}

// UndoDelete restores a message deleted within the undo window. Local
// only; the peer keeps the tombstone.
func (c *Client) UndoDelete(id string) bool {
	restored := c.log.Undo(id)
	if restored {
		c.notifyChat()
	}
	return restored
}

// TogglePin flips a message's pinned flag.
func (c *Client) TogglePin(id string) bool {
	pinned := c.log.TogglePin(id)
	c.notifyChat()
	return pinned
}

// SendFile announces a file to the peer and returns the transfer id.
func (c *Client) SendFile(source transfer.Source, albumID string) (string, error) {
	return c.engine.Send(source, albumID)
}

// RetryTransfer re-runs a failed outgoing transfer from its recorded
// offset.
func (c *Client) RetryTransfer(transferID string) bool {
	return c.engine.Retry(transferID)
}

// CancelTransfer flags a transfer cancelled in its status projection.
func (c *Client) CancelTransfer(transferID string) {
	c.engine.Cancel(transferID)
}

// TransferStatus returns the projection for one transfer.
func (c *Client) TransferStatus(transferID string) (transfer.Status, bool) {
	return c.engine.Status(transferID)
}

// CreateAlbum creates an album locally and shares it with the peer.
func (c *Client) CreateAlbum(ctx context.Context, name string) (protocol.Album, error) {
	album := protocol.Album{
		ID:        "album_" + uuid.NewString(),
		Name:      name,
		Owner:     c.username,
		Timestamp: c.clock.Now().UnixMilli(),
	}
	if c.store != nil {
		if err := c.store.PutAlbum(ctx, album); err != nil {
			return protocol.Album{}, err
		}
	}
	c.router.SendAlbum(album)
	return album, nil
}

// Mute toggles the local mute flag and mirrors it to the peer.
func (c *Client) Mute() {
	c.mu.Lock()
	c.muted = !c.muted
	c.mu.Unlock()
	c.router.SendControl(protocol.CmdMute)
}

// VideoOff toggles the local video flag and mirrors it to the peer.
func (c *Client) VideoOff() {
	c.mu.Lock()
	c.videoOff = !c.videoOff
	c.mu.Unlock()
	c.router.SendControl(protocol.CmdVideoOff)
}

// ClearChat clears the local log and asks the peer to do the same.
func (c *Client) ClearChat() {
	c.log.Clear()
	c.router.SendControl(protocol.CmdClearChat)
	c.notifyChat()
}

// ChatEntries returns a snapshot of the chat log.
func (c *Client) ChatEntries() []protocol.Entry {
	return c.log.Entries()
}

// TypingPeers returns usernames with a live typing indicator.
func (c *Client) TypingPeers() []string {
	return c.presence.Active()
}

// Peer returns the announced peer username ("" before the first
// presence frame).
func (c *Client) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Muted reports the local mute flag.
func (c *Client) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// VideoDisabled reports the local video flag.
func (c *Client) VideoDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoOff
}

// LastSample returns the most recent telemetry reading.
func (c *Client) LastSample() telemetry.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSample
}

// link multiplexes the current data channel behind the Sender and
// transfer.Channel interfaces. The channel is replaced per call; not
// having one behaves as closed.
type link struct {
	mu      sync.Mutex
	channel *session.Channel
}

func (l *link) set(channel *session.Channel) {
	l.mu.Lock()
	l.channel = channel
	l.mu.Unlock()
}

func (l *link) get() *session.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel
}

func (l *link) Open() bool {
	channel := l.get()
	return channel != nil && channel.Open()
}

func (l *link) Send(frame []byte) error {
	channel := l.get()
	if channel == nil {
		return session.ErrNotOpen
	}
	return channel.Send(frame)
}

func (l *link) BufferedAmount() int {
	channel := l.get()
	if channel == nil {
		return 0
	}
	return channel.BufferedAmount()
}

// remoteControls applies the peer's control commands to local state.
type remoteControls struct {
	client *Client
}

func (rc remoteControls) Mute() {
	rc.client.mu.Lock()
	rc.client.muted = true
	rc.client.mu.Unlock()
}

func (rc remoteControls) VideoOff() {
	rc.client.mu.Lock()
	rc.client.videoOff = true
	rc.client.mu.Unlock()
}

func (rc remoteControls) ClearChat() {
	rc.client.notifyChat()
}

// albumSink persists albums the peer shares.
type albumSink struct {
	store *storage.Store
}

func (s albumSink) SyncAlbum(album protocol.Album) error {
	return s.store.PutAlbum(context.Background(), album)
}
