package replication

import (
	"encoding/json"
	"fmt"
	"time"
)

// Peer-to-peer message kinds.  Every frame on a replication link carries a
// JSON Envelope regardless of the client-side codec choice.
const (
	cmdHello        = "HELLO"
	cmdHeartbeat    = "HEARTBEAT"
	cmdElection     = "ELECTION"
	cmdElectionAck  = "ELECTION_ACK"
	cmdElected      = "ELECTED"
	cmdStateChange  = "STATE_CHANGE"
	cmdDataUpdate   = "DATA_UPDATE"
	cmdSyncRequest  = "SYNC_REQUEST"
	cmdSyncData     = "SYNC_DATA"
	cmdSyncComplete = "SYNC_COMPLETE"
)

// UpdateType names a replicated mutation inside a DATA_UPDATE.
type UpdateType string

const (
	UpdateAddUser        UpdateType = "ADD_USER"
	UpdateDeleteUser     UpdateType = "DELETE_USER"
	UpdateAddMessage     UpdateType = "ADD_MESSAGE"
	UpdateDeleteMessages UpdateType = "DELETE_MESSAGES"
)

// Envelope is the JSON payload of every peer frame.
type Envelope struct {
	Cmd       string          `json:"cmd"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
}

// helloData is exchanged once on every fresh link.
type helloData struct {
	PeerID string `json:"peer_id"`
	Role   string `json:"role"`
}

// electionData identifies the candidate (ELECTION) or winner (ELECTED).
type electionData struct {
	PeerID string `json:"peer_id"`
}

// stateChangeData announces a voluntary role change.
type stateChangeData struct {
	Role string `json:"role"`
}

// updateData wraps one replicated mutation.
type updateData struct {
	Type UpdateType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// syncData carries one bulk state-transfer chunk (USERS or MESSAGES).
type syncData struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UserUpdate is the ADD_USER / DELETE_USER payload.
type UserUpdate struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// MessageUpdate is the ADD_MESSAGE payload.
type MessageUpdate struct {
	To    string `json:"to"`
	From  string `json:"from"`
	Body  string `json:"body"`
	MsgID string `json:"msg_id"`
}

// DeleteMessagesUpdate is the DELETE_MESSAGES payload.
type DeleteMessagesUpdate struct {
	Username string   `json:"username"`
	MsgIDs   []string `json:"msg_ids"`
}

// encodeEnvelope marshals cmd and data into a framed-ready payload.
func encodeEnvelope(cmd string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("replication: marshal %s data: %w", cmd, err)
	}
	env := Envelope{
		Cmd:       cmd,
		Data:      raw,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
	return json.Marshal(env)
}

// decodeEnvelope parses one framed peer payload.
func decodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("replication: decode envelope: %w", err)
	}
	return &env, nil
}
