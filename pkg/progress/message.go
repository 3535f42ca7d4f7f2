// Package progress fans out generation job progress to interested clients.
// Every job has one logical channel; the last published update is cached so
// late subscribers start from the current state instead of waiting.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrChannelUnavailable is returned when the bus or cache cannot be reached.
	ErrChannelUnavailable = errors.New("progress channel unavailable")
	// ErrInvalidUpdate is returned for updates that violate the wire contract.
	ErrInvalidUpdate = errors.New("invalid progress update")
	// ErrBrokerClosed is returned after Close.
	ErrBrokerClosed = errors.New("progress broker closed")
)

// Status is the lifecycle state of a generation job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further updates are expected after s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusReady, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// MessageType discriminates push channel frames.
type MessageType string

const (
	TypeUpdate      MessageType = "update"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"
	TypeError       MessageType = "error"
)

// Update is a job progress event as it travels over the bus and the push channel.
type Update struct {
	Type         MessageType `json:"type"`
	GenerationID string      `json:"generationId"`
	Status       Status      `json:"status"`
	Progress     int         `json:"progress"`
	AudioURL     string      `json:"audioUrl,omitempty"`
	PreviewURL   string      `json:"previewUrl,omitempty"`
	Error        string      `json:"error,omitempty"`
	Timestamp    int64       `json:"timestamp"`
}

// Validate checks the fields the wire contract constrains.
func (u Update) Validate() error {
	if u.GenerationID == "" {
		return fmt.Errorf("%w: generationId is required", ErrInvalidUpdate)
	}
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, u.Status)
	}
	if u.Progress < 0 || u.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidUpdate, u.Progress)
	}
	return nil
}

// Control is every non-update frame: subscribe, unsubscribe, ping, pong, error.
type Control struct {
	Type         MessageType `json:"type"`
	GenerationID string      `json:"generationId,omitempty"`
	Message      string      `json:"message,omitempty"`
	Timestamp    int64       `json:"timestamp,omitempty"`
}

// PeekType reads only the type discriminator of a frame.
func PeekType(data []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}

func decodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, err
	}
	return u, nil
}

func sameUpdate(a, b Update) bool {
	return a.Timestamp == b.Timestamp && a.Status == b.Status && a.Progress == b.Progress
}
