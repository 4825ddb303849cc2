package bus

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// WireType is the constant envelope discriminator. Peers drop envelopes that
// carry a different type.
const WireType = "devicemsg"

type Subtype string

const (
	SubtypeMsg  Subtype = "msg"
	SubtypeAck  Subtype = "ack"
	SubtypeNack Subtype = "nack"
)

// Message is the inter-device envelope. Body is set for msg/ack, ErrorBody
// for nack. Component ids are slash-delimited paths.
type Message struct {
	Type            string  `json:"type"`
	Subtype         Subtype `json:"subtype"`
	MsgId           string  `json:"msgId"`
	ToDeviceId      string  `json:"toDeviceId"`
	ToComponentId   string  `json:"toComponentId"`
	FromDeviceId    string  `json:"fromDeviceId"`
	FromComponentId string  `json:"fromComponentId"`
	Body            any     `json:"body,omitempty"`
	ErrorBody       any     `json:"error,omitempty"`
}

// NewMsgId returns a fixed-length random hex token. Uniqueness is
// probabilistic; receivers dedupe by msgId.
func NewMsgId() string {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		panic(err)
	}
	return hex.EncodeToString(token)
}

func EncodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

// DecodeMessage parses and validates an inbound envelope. msgId, toDeviceId
// and subtype must be present and string-typed; anything else is a decode
// error so the caller can drop the envelope with a warning.
func DecodeMessage(text []byte) (*Message, error) {
	var raw struct {
		Type            any `json:"type"`
		Subtype         any `json:"subtype"`
		MsgId           any `json:"msgId"`
		ToDeviceId      any `json:"toDeviceId"`
		ToComponentId   any `json:"toComponentId"`
		FromDeviceId    any `json:"fromDeviceId"`
		FromComponentId any `json:"fromComponentId"`
		Body            any `json:"body"`
		Error           any `json:"error"`
	}
	if err := json.Unmarshal(text, &raw); err != nil {
		return nil, err
	}

	message := &Message{
		Body:      raw.Body,
		ErrorBody: raw.Error,
	}

	var ok bool
	if message.MsgId, ok = raw.MsgId.(string); !ok || message.MsgId == "" {
		return nil, fmt.Errorf("missing or non-string msgId")
	}
	if message.ToDeviceId, ok = raw.ToDeviceId.(string); !ok || message.ToDeviceId == "" {
		return nil, fmt.Errorf("missing or non-string toDeviceId")
	}
	subtype, ok := raw.Subtype.(string)
	if !ok {
		return nil, fmt.Errorf("missing or non-string subtype")
	}
	switch Subtype(subtype) {
	case SubtypeMsg, SubtypeAck, SubtypeNack:
		message.Subtype = Subtype(subtype)
	default:
		return nil, fmt.Errorf("unknown subtype %q", subtype)
	}

	if typeName, ok := raw.Type.(string); ok {
		message.Type = typeName
	}
	if message.Type != WireType {
		return nil, fmt.Errorf("unexpected envelope type %q", message.Type)
	}

	// optional string fields
	message.ToComponentId, _ = raw.ToComponentId.(string)
	message.FromDeviceId, _ = raw.FromDeviceId.(string)
	message.FromComponentId, _ = raw.FromComponentId.(string)

	return message, nil
}

// splitComponentId splits a slash-delimited component path into its leading
// name and the remaining sub-path segments.
func splitComponentId(componentId string) (string, []string) {
	segments := strings.Split(componentId, "/")
	return segments[0], segments[1:]
}
