// Package ws implements the watch-party signaling protocol: the host-side
// session coordinator and the viewer-side session client, speaking JSON
// text frames over websocket.
package ws

import (
	"encoding/json"

	"github.com/screenroom/backend/internal/errdefs"
	"github.com/screenroom/backend/internal/session"
)

type MessageType string

const (
	MsgAuth        MessageType = "auth"
	MsgAuthSuccess MessageType = "auth_success"
	MsgAuthFailed  MessageType = "auth_failed"
	MsgChat        MessageType = "chat"
	MsgJoin        MessageType = "join"
	MsgLeave       MessageType = "leave"
	MsgMembers     MessageType = "members"
	MsgSRTPort     MessageType = "srt_port"
	MsgError       MessageType = "error"
	MsgHeartbeat   MessageType = "heartbeat"
)

// AuthRequest is the first frame a viewer sends.
type AuthRequest struct {
	Type     MessageType `json:"type"`
	Code     string      `json:"code"`
	Nickname string      `json:"nickname"`
}

// AuthSuccess carries the viewer's resolved identity and stream endpoint.
// The nickname may differ from the request when a collision was suffixed.
type AuthSuccess struct {
	Type     MessageType `json:"type"`
	Nickname string      `json:"nickname"`
	SRTPort  int         `json:"srt_port"`
	ServerIP string      `json:"server_ip"`
}

type AuthFailed struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// Chat flows in both directions. Nickname and Timestamp are attached by the
// coordinator on broadcast; a viewer sends only the message body.
type Chat struct {
	Type      MessageType `json:"type"`
	Nickname  string      `json:"nickname,omitempty"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// SystemNotice announces a join or leave to the room.
type SystemNotice struct {
	Type     MessageType `json:"type"`
	Nickname string      `json:"nickname"`
	Message  string      `json:"message"`
}

type MemberList struct {
	Type    MessageType      `json:"type"`
	Members []session.Member `json:"members"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// PortAssignment re-announces a viewer's stream endpoint, for endpoint
// changes after authentication.
type PortAssignment struct {
	Type    MessageType `json:"type"`
	SRTPort int         `json:"srt_port"`
}

type Heartbeat struct {
	Type MessageType `json:"type"`
}

// Decode parses one frame into its typed variant. Unknown types and
// malformed payloads come back as a ProtocolViolation; fields are validated
// here once so handlers never reach into missing data.
func Decode(data []byte) (any, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindProtocolViolation, "malformed frame")
	}

	switch probe.Type {
	case MsgAuth:
		var m AuthRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProtocolViolation, "malformed auth")
		}
		if m.Nickname == "" {
			return nil, errdefs.ProtocolViolation("auth without nickname")
		}
		return &m, nil
	case MsgAuthSuccess:
		var m AuthSuccess
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProtocolViolation, "malformed auth_success")
		}
		return &m, nil
	case MsgAuthFailed:
		var m AuthFailed
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProtocolViolation, "malformed auth_failed")
		}
		return &m, nil
	case MsgChat:
		var m Chat
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProtocolViolation, "malformed chat")
		}
		return &m, nil
	case MsgJoin, MsgLeave:
		var m SystemNotice
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProtocolViolation, "malformed notice")
		}
		m.Type = probe.Type
		return &m, nil
	case MsgMembers:
		var m MemberList
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProtocolViolation, "malformed member list")
		}
		return &m, nil
	case MsgError:
		var m ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProtocolViolation, "malformed error")
		}
		return &m, nil
	case MsgSRTPort:
		var m PortAssignment
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProtocolViolation, "malformed port assignment")
		}
		if m.SRTPort <= 0 {
			return nil, errdefs.ProtocolViolation("port assignment without a port")
		}
		return &m, nil
	case MsgHeartbeat:
		return &Heartbeat{Type: MsgHeartbeat}, nil
	default:
		return nil, errdefs.ProtocolViolation("unknown message type " + string(probe.Type))
	}
}
