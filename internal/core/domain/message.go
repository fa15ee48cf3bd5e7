package domain

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageProcessUploads  MessageType = "PROCESS_UPLOADS"
	MessageSegmentUploaded MessageType = "SEGMENT_UPLOADED"
	MessageSegmentFailed   MessageType = "SEGMENT_FAILED"
	MessageSegmentRequeued MessageType = "SEGMENT_REQUEUED"
	MessageDrainCompleted  MessageType = "DRAIN_COMPLETED"
)

// Message is exchanged between a tab and the upload worker.
// Each kind carries only its own fields.
type Message interface {
	Kind() MessageType
}

// ProcessUploads asks the worker to drain now. An empty SessionID means all sessions.
type ProcessUploads struct {
	SessionID SessionID `json:"sessionId,omitempty"`
}

type SegmentUploaded struct {
	SessionID       SessionID       `json:"sessionId"`
	LocalSegmentID  LocalSegmentID  `json:"localSegmentId"`
	RemoteSegmentID RemoteSegmentID `json:"remoteSegmentId"`
	S3URL           string          `json:"s3Url,omitempty"`
}

type SegmentFailed struct {
	SessionID      SessionID      `json:"sessionId"`
	LocalSegmentID LocalSegmentID `json:"localSegmentId"`
	Reason         string         `json:"reason"`
	Attempts       int            `json:"attempts"`
}

type SegmentRequeued struct {
	SessionID      SessionID      `json:"sessionId"`
	LocalSegmentID LocalSegmentID `json:"localSegmentId"`
	Reason         string         `json:"reason"`
}

type DrainCompleted struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Requeued int `json:"requeued"`
}

func (ProcessUploads) Kind() MessageType  { return MessageProcessUploads }
func (SegmentUploaded) Kind() MessageType { return MessageSegmentUploaded }
func (SegmentFailed) Kind() MessageType   { return MessageSegmentFailed }
func (SegmentRequeued) Kind() MessageType { return MessageSegmentRequeued }
func (DrainCompleted) Kind() MessageType  { return MessageDrainCompleted }

// MessageSession returns the session a segment event belongs to, or "" for
// messages every tab may see.
func MessageSession(msg Message) SessionID {
	switch m := msg.(type) {
	case SegmentUploaded:
		return m.SessionID
	case SegmentFailed:
		return m.SessionID
	case SegmentRequeued:
		return m.SessionID
	}
	return ""
}

type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeMessage renders msg as {"type": ..., "payload": {...}}.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode message: nil message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Type: msg.Kind(), Payload: payload})
}

// DecodeMessage dispatches on the type discriminant. Unknown types yield ErrUnknownMessage.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case MessageProcessUploads:
		msg = &ProcessUploads{}
	case MessageSegmentUploaded:
		msg = &SegmentUploaded{}
	case MessageSegmentFailed:
		msg = &SegmentFailed{}
	case MessageSegmentRequeued:
		msg = &SegmentRequeued{}
	case MessageDrainCompleted:
		msg = &DrainCompleted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return deref(msg), nil
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *ProcessUploads:
		return *m
	case *SegmentUploaded:
		return *m
	case *SegmentFailed:
		return *m
	case *SegmentRequeued:
		return *m
	case *DrainCompleted:
		return *m
	}
	return msg
}
