package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types carried as JSON text frames on the control channel.
const (
	TypeFileMetadata         = "file-metadata"
	TypeFileComplete         = "file-complete"
	TypeRequestMissingChunks = "request-missing-chunks"
	TypeProgressAck          = "progress-ack"
)

// ErrUnknownControl indicates a text frame whose type this side does not handle.
var ErrUnknownControl = errors.New("unknown control message type")

// FileMetadata announces a transfer before any chunk is sent.
type FileMetadata struct {
	TransferID  string `json:"transferId"`
	FileName    string `json:"fileName"`
	FileSize    uint64 `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks uint32 `json:"totalChunks"`
}

// FileComplete tells the receiver every chunk has been handed to the transport.
type FileComplete struct{}

// RequestMissingChunks lists indices the receiver still lacks.
type RequestMissingChunks struct {
	Indices []uint32 `json:"indices"`
}

// ProgressAck reports the receiver's accepted byte count.
type ProgressAck struct {
	BytesReceived uint64 `json:"bytesReceived"`
}

// ControlMessage is a decoded control frame. Exactly one of the pointer fields
// is set, matching Type.
type ControlMessage struct {
	Type     string
	Metadata *FileMetadata
	Complete *FileComplete
	Missing  *RequestMissingChunks
	Ack      *ProgressAck
}

// EncodeControl marshals msg as a flat JSON object with its "type" field.
func EncodeControl(msg any) (string, error) {
	var typ string
	switch msg.(type) {
	case FileMetadata, *FileMetadata:
		typ = TypeFileMetadata
	case FileComplete, *FileComplete:
		typ = TypeFileComplete
	case RequestMissingChunks, *RequestMissingChunks:
		typ = TypeRequestMissingChunks
	case ProgressAck, *ProgressAck:
		typ = TypeProgressAck
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownControl, msg)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", typ, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("flatten %s: %w", typ, err)
	}
	fields["type"], _ = json.Marshal(typ)
	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", typ, err)
	}
	return string(out), nil
}

// DecodeControl parses a control text frame.
func DecodeControl(text string) (ControlMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(text), &head); err != nil {
		return ControlMessage{}, fmt.Errorf("decode control header: %w", err)
	}

	msg := ControlMessage{Type: head.Type}
	var target any
	switch head.Type {
	case TypeFileMetadata:
		msg.Metadata = &FileMetadata{}
		target = msg.Metadata
	case TypeFileComplete:
		msg.Complete = &FileComplete{}
		return msg, nil
	case TypeRequestMissingChunks:
		msg.Missing = &RequestMissingChunks{}
		target = msg.Missing
	case TypeProgressAck:
		msg.Ack = &ProgressAck{}
		target = msg.Ack
	default:
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnknownControl, head.Type)
	}
	if err := json.Unmarshal([]byte(text), target); err != nil {
		return ControlMessage{}, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return msg, nil
}
