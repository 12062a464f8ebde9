// Package protocol defines the wire format shared by clients and servers.
// Every message on any link is a framed payload: a 4-byte big-endian length
// header followed by that many bytes of encoded Message.  Two interchangeable
// encodings exist — JSON and a compact binary layout — selected cluster-wide
// by configuration and identical on both ends of a link.
package protocol

// Command tags carried in Message.Cmd.  Server replies reuse the tag of the
// command they answer; ServerStatus is the one out-of-band frame kind, used
// for role and transition notices.
const (
	CmdCreate       = "create"
	CmdLogin        = "login"
	CmdLogoff       = "logoff"
	CmdList         = "list"
	CmdSend         = "send"
	CmdDeliver      = "deliver"
	CmdDeleteMsgs   = "delete_msgs"
	CmdDelete       = "delete"
	CmdServerStatus = "server_status"
)

// Message is the single abstract schema every frame carries.
//
//   - Cmd    – short ASCII command tag
//   - Src    – sending username (empty when not applicable)
//   - To     – recipient username (empty when not applicable)
//   - Body   – arbitrary bytes; in the binary encoding at most 2^16−1 bytes
//   - Error  – marks a reply as an error; Body then holds a human-readable cause
//   - MsgIDs – message identifiers (deliver notifications, delete_msgs requests)
//   - Limit  – deliver read mode: 0 = peek, >0 = pop up to Limit messages
type Message struct {
	Cmd    string   `json:"cmd"`
	Src    string   `json:"src"`
	To     string   `json:"to"`
	Body   string   `json:"body"`
	Error  bool     `json:"error"`
	MsgIDs []string `json:"msg_ids,omitempty"`
	Limit  uint16   `json:"limit,omitempty"`
}

// ErrorReply builds an error reply for the given command tag.
func ErrorReply(cmd, body string) *Message {
	return &Message{Cmd: cmd, Body: body, Error: true}
}

// StatusReply builds a server_status notice.  Clients treat an error status
// whose body mentions a transition or unavailability as a cue to rotate to
// another replica.
func StatusReply(body string) *Message {
	return &Message{Cmd: CmdServerStatus, Body: body, Error: true}
}
