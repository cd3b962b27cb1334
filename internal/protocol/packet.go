package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KDE Connect packet type strings. These are wire-normative and must not
// change.
const (
	TypeIdentity            = "kdeconnect.identity"
	TypePair                = "kdeconnect.pair"
	TypePing                = "kdeconnect.ping"
	TypeRing                = "kdeconnect.findmyphone.request"
	TypeNotification        = "kdeconnect.notification"
	TypeNotificationRequest = "kdeconnect.notification.request"
	TypeRunCommand          = "kdeconnect.runcommand"
	TypeRunCommandRequest   = "kdeconnect.runcommand.request"
	TypeShareRequest        = "kdeconnect.share.request"
)

// Protocol constants.
const (
	// ProtocolVersion is the version this implementation advertises.
	ProtocolVersion = 8

	// MinProtocolVersion is the oldest peer version we accept.
	MinProtocolVersion = ProtocolVersion - 1

	// DeviceType is the device-type tag this implementation emits.
	DeviceType = "desktop"

	// DiscoveryPort is the fixed UDP port for identity beacons.
	DiscoveryPort = 1716

	// MinServicePort and MaxServicePort bound the TCP service port range.
	MinServicePort = 1716
	MaxServicePort = 1764

	// MaxCleartextLine is the longest first (pre-TLS) line we tolerate on a
	// fresh TCP connection before treating the peer as hostile.
	MaxCleartextLine = 8192
)

// Capability lists advertised in our identity packets.
var (
	IncomingCapabilities = []string{
		TypePing,
		TypeNotificationRequest,
		TypeRunCommandRequest,
		TypeRunCommand,
		TypeShareRequest,
	}

	OutgoingCapabilities = []string{
		TypeRing,
		TypeNotification,
		TypePing,
		TypeRunCommand,
	}
)

// TransferInfo carries the side-channel port for a payload attachment.
type TransferInfo struct {
	Port int `json:"port"`
}

// Packet is one newline-delimited JSON message on the KDE Connect wire.
// PayloadSize and PayloadTransferInfo live at the envelope level, outside
// the body; this placement is wire-normative.
type Packet struct {
	ID                  int64          `json:"id"`
	Type                string         `json:"type"`
	Body                map[string]any `json:"body"`
	PayloadSize         int64          `json:"payloadSize,omitempty"`
	PayloadTransferInfo *TransferInfo  `json:"payloadTransferInfo,omitempty"`
}

// New creates an empty packet of the given type stamped with the current
// time in milliseconds.
func New(packetType string) *Packet {
	return &Packet{
		ID:   time.Now().UnixMilli(),
		Type: packetType,
		Body: map[string]any{},
	}
}

// Parse decodes a single wire line into a packet and validates it.
func Parse(line []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("unserialization error: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode serialises the packet to its wire form, without the trailing
// newline.
func (p *Packet) Encode() ([]byte, error) {
	if p.Body == nil {
		p.Body = map[string]any{}
	}
	return json.Marshal(p)
}

// IsType reports whether the packet has the given type string.
func (p *Packet) IsType(packetType string) bool {
	return p.Type == packetType
}

// Set stores a body field.
func (p *Packet) Set(key string, value any) {
	if p.Body == nil {
		p.Body = map[string]any{}
	}
	p.Body[key] = value
}

// Has reports whether a body field is present.
func (p *Packet) Has(key string) bool {
	_, ok := p.Body[key]
	return ok
}

// Get returns a body field, or nil when absent.
func (p *Packet) Get(key string) any {
	return p.Body[key]
}

// GetString returns a body field as a string, or the fallback when the
// field is absent or not a string.
func (p *Packet) GetString(key, fallback string) string {
	if v, ok := p.Body[key].(string); ok {
		return v
	}
	return fallback
}

// GetInt returns a numeric body field as an int. JSON numbers decode as
// float64; integral values stored directly are handled too.
func (p *Packet) GetInt(key string, fallback int) int {
	switch v := p.Body[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

// GetBool returns a boolean body field, false when absent or mistyped.
func (p *Packet) GetBool(key string) bool {
	v, _ := p.Body[key].(bool)
	return v
}

// Validate checks the envelope and the per-type required body keys.
func (p *Packet) Validate() error {
	if p.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidPacket)
	}
	if p.Body == nil {
		return fmt.Errorf("%w: missing body", ErrInvalidPacket)
	}

	switch p.Type {
	case TypeIdentity:
		// tcpPort is optional: post-TLS identity packets omit it.
		for _, key := range []string{"deviceId", "deviceName", "deviceType", "protocolVersion",
			"incomingCapabilities", "outgoingCapabilities"} {
			if !p.Has(key) {
				return fmt.Errorf("%w: identity missing %s", ErrInvalidPacket, key)
			}
		}
	case TypePair:
		if _, ok := p.Body["pair"].(bool); !ok {
			return fmt.Errorf("%w: pair missing pair flag", ErrInvalidPacket)
		}
	}

	return nil
}

// NewIdentity builds an identity packet. A port of zero omits tcpPort,
// which is the convention for identity packets re-sent on an established
// TCP session.
func NewIdentity(deviceID, name string, port int) *Packet {
	p := New(TypeIdentity)
	p.Set("protocolVersion", ProtocolVersion)
	p.Set("deviceId", deviceID)
	p.Set("deviceName", name)
	p.Set("deviceType", DeviceType)
	p.Set("incomingCapabilities", IncomingCapabilities)
	p.Set("outgoingCapabilities", OutgoingCapabilities)
	if port > 0 {
		p.Set("tcpPort", port)
	}
	return p
}

// NewPair builds a pair packet carrying the accept/reject flag.
func NewPair(pair bool) *Packet {
	p := New(TypePair)
	p.Set("pair", pair)
	return p
}

// NewPing builds a ping packet, propagating the optional message.
func NewPing(message string) *Packet {
	p := New(TypePing)
	if message != "" {
		p.Set("message", message)
	}
	return p
}

// NewRing builds a find-my-phone request.
func NewRing() *Packet {
	return New(TypeRing)
}

// NotificationPayload describes an out-of-band attachment (an icon) served
// through the transfer side-channel.
type NotificationPayload struct {
	Digest string
	Size   int64
	Port   int
}

// NewNotification builds a notification packet. An empty reference is
// replaced with a fresh uuid. The payload, when present, places the hash
// inside the body and the size and port at the envelope level.
func NewNotification(text, title, application, reference string, payload *NotificationPayload) *Packet {
	if reference == "" {
		reference = uuid.NewString()
	}

	p := New(TypeNotification)
	p.Set("id", reference)
	p.Set("appName", application)
	p.Set("title", title)
	p.Set("text", text)
	p.Set("isClearable", true)
	p.Set("ticker", fmt.Sprintf("%s: %s", title, text))

	if payload != nil {
		p.Set("payloadHash", payload.Digest)
		p.PayloadSize = payload.Size
		p.PayloadTransferInfo = &TransferInfo{Port: payload.Port}
	}

	return p
}

// NewCancel builds a notification-cancel packet for the given reference.
func NewCancel(reference string) *Packet {
	p := New(TypeNotification)
	p.Set("id", reference)
	p.Set("isCancel", true)
	return p
}

// NewRunCommand builds a runcommand packet advertising our command catalog
// for a peer. The command list is a JSON-encoded object keyed by command
// uuid, which is how the Android client expects it.
func NewRunCommand(commands map[string]CommandEntry) (*Packet, error) {
	encoded, err := json.Marshal(commands)
	if err != nil {
		return nil, fmt.Errorf("encode command list: %w", err)
	}

	p := New(TypeRunCommand)
	p.Set("commandList", string(encoded))
	p.Set("canAddCommand", false)
	return p, nil
}

// CommandEntry is one entry of a runcommand catalog.
type CommandEntry struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}
