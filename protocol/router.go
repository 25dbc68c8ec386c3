// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/sidelink/sidelink/lib/clock"
)

// Sender writes one frame to the open peer channel. Open reports
// whether a write would currently be accepted.
type Sender interface {
	Open() bool
	Send(frame []byte) error
}

// TransferHandler receives the file-transfer control frames. The file
// transfer engine implements it.
type TransferHandler interface {
	HandleMeta(payload FileMetaPayload)
	HandleChunk(payload FileChunkPayload)
	HandleReady(payload FileReadyPayload)
}

// AlbumSink persists albums pushed by the peer. The storage
// collaborator implements it.
type AlbumSink interface {
	SyncAlbum(album Album) error
}

// Controls executes remote control commands, mirroring the action the
// peer performed locally.
type Controls interface {
	Mute()
	VideoOff()
	ClearChat()
}

// Router decodes inbound frames into typed messages and applies their
// effects, and serializes outbound actions onto the channel. Outbound
// frames are silently dropped while the channel is not open — callers
// keep their optimistic local state and there is no queueing.
type Router struct {
	sender    Sender
	log       *ChatLog
	clock     clock.Clock
	logger    *slog.Logger
	username  string
	presence  interface{ Touch(username string) }
	transfers TransferHandler
	albums    AlbumSink
	controls  Controls

	// onPeerOnline fires once per username on its first presence
	// frame, for the status line.
	onPeerOnline func(username string)
	mu           sync.Mutex
	announced    map[string]bool
}

// RouterConfig collects the router's collaborators. Sender, Log, and
// Clock are required; nil handlers disable the corresponding message
// types (their frames are ignored).
type RouterConfig struct {
	Sender       Sender
	Log          *ChatLog
	Clock        clock.Clock
	Logger       *slog.Logger
	Username     string
	Presence     interface{ Touch(username string) }
	Transfers    TransferHandler
	Albums       AlbumSink
	Controls     Controls
	OnPeerOnline func(username string)
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		sender:       cfg.Sender,
		log:          cfg.Log,
		clock:        cfg.Clock,
		logger:       logger,
		username:     cfg.Username,
		presence:     cfg.Presence,
		transfers:    cfg.Transfers,
		albums:       cfg.Albums,
		controls:     cfg.Controls,
		onPeerOnline: cfg.OnPeerOnline,
		announced:    make(map[string]bool),
	}
}

// HandleFrame decodes and applies one inbound channel frame. Frames
// that are not JSON are accepted as legacy plain-text chat; valid
// JSON with a missing or unknown type is ignored.
func (r *Router) HandleFrame(frame []byte) {
	var message Message
	if err := json.Unmarshal(frame, &message); err != nil {
		r.log.Append(Entry{
			ID:        NewID(),
			From:      "peer",
			Kind:      KindText,
			Text:      string(frame),
			Timestamp: r.clock.Now().UnixMilli(),
			Delivered: true,
		})
		return
	}
	if message.Type == "" {
		r.logger.Debug("dropping frame without a type")
		return
	}

	switch message.Type {
	case TypeChat:
		var payload ChatPayload
		if !r.decode(message, &payload) {
			return
		}
		r.log.Append(Entry{
			ID:        payload.ID,
			From:      payload.From,
			Kind:      payload.Kind,
			Text:      payload.Text,
			Timestamp: payload.Timestamp,
			Delivered: true,
		})
		r.Emit(TypeAck, AckPayload{ID: payload.ID})

	case TypeTyping:
		var payload TypingPayload
		if !r.decode(message, &payload) || r.presence == nil {
			return
		}
		r.presence.Touch(payload.Username)

	case TypeReaction:
		var payload ReactionPayload
		if !r.decode(message, &payload) {
			return
		}
		r.log.AddReaction(payload.ID, payload.Symbol)

	case TypeEdit:
		var payload EditPayload
		if !r.decode(message, &payload) {
			return
		}
		r.log.ApplyEdit(payload.ID, payload.Text)

	case TypeDelete:
		var payload DeletePayload
		if !r.decode(message, &payload) {
			return
		}
		r.log.ApplyDelete(payload.ID)

	case TypeAck:
		var payload AckPayload
		if !r.decode(message, &payload) {
			return
		}
		r.log.ApplyAck(payload.ID)

	case TypePresence:
		var payload PresencePayload
		if !r.decode(message, &payload) {
			return
		}
		r.announce(payload.Username)

	case TypeFileMeta:
		var payload FileMetaPayload
		if !r.decode(message, &payload) || r.transfers == nil {
			return
		}
		r.transfers.HandleMeta(payload)

	case TypeFileChunk:
		var payload FileChunkPayload
		if !r.decode(message, &payload) || r.transfers == nil {
			return
		}
		r.transfers.HandleChunk(payload)

	case TypeFileReady:
		var payload FileReadyPayload
		if !r.decode(message, &payload) || r.transfers == nil {
			return
		}
		r.transfers.HandleReady(payload)

	case TypeAlbumSync:
		var payload AlbumSyncPayload
		if !r.decode(message, &payload) || r.albums == nil {
			return
		}
		if err := r.albums.SyncAlbum(payload.Album); err != nil {
			r.logger.Error("album sync failed", "album", payload.Album.ID, "error", err)
		}

	case TypeControl:
		var payload ControlPayload
		if !r.decode(message, &payload) || r.controls == nil {
			return
		}
		switch payload.Cmd {
		case CmdMute:
			r.controls.Mute()
		case CmdVideoOff:
			r.controls.VideoOff()
		case CmdClearChat:
			r.log.Clear()
			r.controls.ClearChat()
		default:
			r.logger.Debug("unknown control command ignored", "cmd", payload.Cmd)
		}

	default:
		// Forward compatibility: a newer peer may speak types this
		// build does not know.
		r.logger.Debug("unrecognized message type ignored", "type", message.Type)
	}
}

// decode unmarshals the payload, logging and dropping the frame on
// failure.
func (r *Router) decode(message Message, payload any) bool {
	if err := json.Unmarshal(message.Payload, payload); err != nil {
		r.logger.Warn("malformed payload dropped", "type", message.Type, "error", err)
		return false
	}
	return true
}

// Emit marshals and writes one outbound frame. The frame is dropped
// without error when the channel is not open.
func (r *Router) Emit(msgType string, payload any) {
	if !r.sender.Open() {
		return
	}
	frame, err := Marshal(msgType, payload)
	if err != nil {
		r.logger.Error("outbound frame marshal failed", "type", msgType, "error", err)
		return
	}
	if err := r.sender.Send(frame); err != nil {
		r.logger.Warn("outbound frame send failed", "type", msgType, "error", err)
	}
}

// SendChat appends a local entry (delivered=false until acked) and
// emits the chat frame. Returns the entry id, or "" for empty text or
// a closed channel.
func (r *Router) SendChat(text string) string {
	if text == "" || !r.sender.Open() {
		return ""
	}
	payload := ChatPayload{
		ID:        NewID(),
		From:      r.username,
		Kind:      KindText,
		Text:      text,
		Timestamp: r.clock.Now().UnixMilli(),
	}
	r.log.Append(Entry{
		ID:        payload.ID,
		From:      payload.From,
		Kind:      payload.Kind,
		Text:      payload.Text,
		Timestamp: payload.Timestamp,
	})
	r.Emit(TypeChat, payload)
	return payload.ID
}

// SendTyping refreshes the peer's typing indicator for this user.
func (r *Router) SendTyping() {
	r.Emit(TypeTyping, TypingPayload{Username: r.username})
}

// SendPresence announces this user on the peer's status line.
func (r *Router) SendPresence() {
	r.Emit(TypePresence, PresencePayload{Username: r.username})
}

// SendReaction optimistically increments the local count and emits the
// reaction frame.
func (r *Router) SendReaction(id, symbol string) {
	r.log.AddReaction(id, symbol)
	r.Emit(TypeReaction, ReactionPayload{ID: id, Symbol: symbol})
}

// SendEdit applies the edit locally and emits the edit frame.
func (r *Router) SendEdit(id, text string) {
	if !r.log.ApplyEdit(id, text) {
		return
	}
	r.Emit(TypeEdit, EditPayload{ID: id, Text: text})
}

// SendDelete tombstones the entry locally with an undo window and
// emits the delete frame. Undo is local only.
func (r *Router) SendDelete(id string) {
	if !r.log.DeleteWithUndo(id) {
		return
	}
	r.Emit(TypeDelete, DeletePayload{ID: id})
}

// SendControl asks the peer to mirror a local action.
func (r *Router) SendControl(cmd string) {
	r.Emit(TypeControl, ControlPayload{Cmd: cmd})
}

// SendAlbum shares album metadata with the peer.
func (r *Router) SendAlbum(album Album) {
	r.Emit(TypeAlbumSync, AlbumSyncPayload{Album: album})
}

// announce merges a username into the status line exactly once.
func (r *Router) announce(username string) {
	r.mu.Lock()
	already := r.announced[username]
	r.announced[username] = true
	r.mu.Unlock()

	if !already && r.onPeerOnline != nil {
		r.onPeerOnline(username)
	}
}
