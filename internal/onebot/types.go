package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OneBot v11 post/message types the relay cares about.
const (
	PostTypeMessage  = "message"
	MessageTypeGroup = "group"

	SegmentAt   = "at"
	SegmentText = "text"

	ActionSendGroupMsg = "send_group_msg"
)

// ID is a QQ number / group number. Implementations disagree on whether ids are
// JSON numbers or strings, so both decode to the same decimal string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("onebot id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Int64 parses the id for outbound frames, which carry numeric ids.
func (id ID) Int64() (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("onebot id %q is not numeric", string(id))
	}
	return n, nil
}

// Segment is one element of an array-format message.
type Segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type atData struct {
	QQ ID `json:"qq"`
}

type textData struct {
	Text string `json:"text"`
}

// AtTarget returns the mentioned id for an "at" segment.
func (s Segment) AtTarget() (ID, bool) {
	if s.Type != SegmentAt {
		return "", false
	}
	var d atData
	if err := json.Unmarshal(s.Data, &d); err != nil {
		return "", false
	}
	return d.QQ, true
}

// Text returns the text of a "text" segment.
func (s Segment) Text() (string, bool) {
	if s.Type != SegmentText {
		return "", false
	}
	var d textData
	if err := json.Unmarshal(s.Data, &d); err != nil {
		return "", false
	}
	return d.Text, true
}

// AtSegment builds a mention segment.
func AtSegment(target ID) Segment {
	raw, _ := json.Marshal(map[string]string{"qq": string(target)})
	return Segment{Type: SegmentAt, Data: raw}
}

// TextSegment builds a text segment.
func TextSegment(text string) Segment {
	raw, _ := json.Marshal(textData{Text: text})
	return Segment{Type: SegmentText, Data: raw}
}

// Segments decodes the "message" field. A CQ-code string (string message format)
// or any other non-array value decodes to nil rather than failing the whole frame.
type Segments []Segment

func (s *Segments) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '[' {
		*s = nil
		return nil
	}
	var raw []Segment
	if err := json.Unmarshal(b, &raw); err != nil {
		*s = nil
		return nil
	}
	*s = raw
	return nil
}

// Event is one inbound gateway frame. Frames that are not message events
// (heartbeats, API responses) decode with an empty or different PostType.
type Event struct {
	PostType    string   `json:"post_type"`
	MessageType string   `json:"message_type"`
	MessageID   ID       `json:"message_id"`
	SelfID      ID       `json:"self_id"`
	UserID      ID       `json:"user_id"`
	GroupID     ID       `json:"group_id"`
	Message     Segments `json:"message"`
	RawMessage  string   `json:"raw_message"`
}

// DecodeEvent parses one frame. Only non-object payloads are errors.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// Action is an outbound API call frame.
type Action struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

// SendGroupMsgParams is the params object of send_group_msg.
type SendGroupMsgParams struct {
	GroupID int64  `json:"group_id"`
	Message string `json:"message"`
}

// SendGroupMsg builds {"action":"send_group_msg","params":{"group_id":..,"message":..}}.
func SendGroupMsg(groupID int64, message string) Action {
	return Action{Action: ActionSendGroupMsg, Params: SendGroupMsgParams{GroupID: groupID, Message: message}}
}

// AtCode is the CQ code that mentions a user inside a string message.
func AtCode(user ID) string {
	return "[CQ:at,qq=" + string(user) + "]"
}
