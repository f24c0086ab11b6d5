package hub

import "encoding/json"

// Message types on the wire. Text frames carry JSON with a required "type";
// binary frames are opaque audio payloads.
const (
	TypeIdentify       = "identify"
	TypeMobileInit     = "mobile_init"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeChannelMessage = "channel_message"
	TypeAudioData      = "audio_data"
	TypeFlushAudio     = "flush_audio"

	TypeConnected          = "connected"
	TypeIdentified         = "identified"
	TypeChannelJoined      = "channel_joined"
	TypeTranscription      = "transcription_result"
	TypeMobileDisconnected = "mobile_disconnected"
	TypeError              = "error"
)

// inbound is the union of client message shapes; unused fields stay empty.
type inbound struct {
	Type        string `json:"type"`
	DeviceType  string `json:"device_type,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
	Sequence    int64  `json:"sequence,omitempty"`

	// channel_message
	ChannelID string          `json:"channelId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// audio_data (base64 fallback for text-only transports)
	Format    string `json:"format,omitempty"`
	AudioData string `json:"audio_data,omitempty"`
}

type connectedMsg struct {
	Type string `json:"type"`
}

type identifiedMsg struct {
	Type       string `json:"type"`
	DeviceType string `json:"device_type"`
	SessionID  string `json:"session_id"`
}

type channelJoinedMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type pongMsg struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
}

type channelMessageMsg struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId"`
	Payload   json.RawMessage `json:"payload"`
	From      string          `json:"from,omitempty"`
}

type transcriptionMsg struct {
	Type        string  `json:"type"`
	Text        string  `json:"text"`
	Raw         string  `json:"raw"`
	Normalized  string  `json:"normalized"`
	SessionText string  `json:"session_text,omitempty"`
	Language    string  `json:"language,omitempty"`
	Duration    float64 `json:"duration,omitempty"` // seconds
	ChunkID     string  `json:"chunk_id,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

type mobileDisconnectedMsg struct {
	Type string `json:"type"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
