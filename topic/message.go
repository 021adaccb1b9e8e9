package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a stored payload cannot be decoded
var ErrMalformed = errors.New("topic: malformed message")

// Message is one immutable entry of a topic log
type Message struct {
	ID         int64     `json:"id"` // offset within the topic
	CreateTime time.Time `json:"createTime"`
	UpdateTime time.Time `json:"updateTime"`
	Content    string    `json:"content"`
	Topic      string    `json:"topic"`
	ExtraInfo  string    `json:"extraInfo,omitempty"`
}

// Encode serializes m into the stored wire format
func Encode(m *Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a stored payload
func Decode(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &m, nil
}
