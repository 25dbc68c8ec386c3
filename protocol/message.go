// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the typed application-message protocol
// that runs over the peer data channel: chat with acks, typing and
// presence indicators, reactions, edits and tombstone deletes, file
// transfer control frames, album sync, and remote control commands.
//
// The wire format is one UTF-8 JSON object per channel frame,
// {"type": <string>, "payload": <object>}. Frames that fail to parse
// as JSON are accepted as legacy plain-text chat for compatibility
// with older peers; frames with an unrecognized type are ignored for
// forward compatibility.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types. These are protocol constants shared with the
// reference web client — changing them breaks interoperability.
const (
	TypeChat      = "chat"
	TypeTyping    = "typing"
	TypeReaction  = "reaction"
	TypeEdit      = "edit"
	TypeDelete    = "delete"
	TypeAck       = "ack"
	TypePresence  = "presence"
	TypeFileMeta  = "file-meta"
	TypeFileChunk = "file-chunk"
	TypeFileReady = "file-ready"
	TypeAlbumSync = "album-sync"
	TypeControl   = "control"
)

// Entry kinds carried in chat payloads.
const (
	KindText   = "text"
	KindFile   = "file"
	KindSystem = "system"
)

// Control commands. The receiver mirrors the sender's own action.
const (
	CmdMute      = "mute"
	CmdVideoOff  = "video-off"
	CmdClearChat = "clear-chat"
)

// Message is the tagged union carried in every frame. Payload stays
// raw until the router knows the type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChatPayload announces a new chat entry. The wire field "type" is the
// entry kind (text, file, system), not the frame type.
type ChatPayload struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Kind      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
}

// TypingPayload refreshes the sender's typing indicator.
type TypingPayload struct {
	Username string `json:"username"`
}

// ReactionPayload increments one reaction count on the entry with the
// matching id. Delivery is at-least-once counting, not a toggle.
type ReactionPayload struct {
	ID     string `json:"id"`
	Symbol string `json:"reaction"`
}

// EditPayload replaces the text of an existing entry.
type EditPayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// DeletePayload tombstones an existing entry.
type DeletePayload struct {
	ID string `json:"id"`
}

// AckPayload confirms receipt of the chat entry with the matching id.
type AckPayload struct {
	ID string `json:"id"`
}

// PresencePayload announces that a username is online.
type PresencePayload struct {
	Username string `json:"username"`
}

// FileMeta describes a file being offered for transfer. Digest is an
// optional hex blake3 hash of the content; peers that do not compute
// digests omit the field and receivers skip verification.
type FileMeta struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Mime      string `json:"type"`
	Timestamp int64  `json:"ts"`
	Digest    string `json:"digest,omitempty"`
}

// FileMetaPayload opens a transfer. The receiver allocates buffers and
// replies with file-ready before any chunk is sent.
type FileMetaPayload struct {
	TransferID string   `json:"transferId"`
	Meta       FileMeta `json:"meta"`
	AlbumID    string   `json:"albumId,omitempty"`
	From       string   `json:"from,omitempty"`
}

// FileChunkPayload carries one base64-encoded chunk. Chunks arrive in
// the order sent — the channel is ordered and no sequence numbers are
// used.
type FileChunkPayload struct {
	TransferID  string `json:"transferId"`
	ChunkBase64 string `json:"chunkBase64"`
}

// FileReadyPayload signals that the receiver has allocated buffers and
// chunk transmission may begin (or resume after a retry).
type FileReadyPayload struct {
	TransferID string `json:"transferId"`
}

// Album is shared metadata grouping transferred files.
type Album struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	Timestamp int64  `json:"ts"`
}

// AlbumSyncPayload upserts an album on the peer.
type AlbumSyncPayload struct {
	Album Album `json:"album"`
}

// ControlPayload asks the peer to mirror a local action.
type ControlPayload struct {
	Cmd string `json:"cmd"`
}

// Marshal builds the wire frame for a typed payload.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshaling %s payload: %w", msgType, err)
	}
	frame, err := json.Marshal(Message{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshaling %s frame: %w", msgType, err)
	}
	return frame, nil
}
