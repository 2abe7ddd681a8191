// ABOUTME: Wire shapes of the bridge webhook envelope and per-event data
// ABOUTME: Validation tags are checked with go-playground/validator before dispatch

package webhook

import (
	"encoding/json"
	"strings"

	"github.com/2389/switchboard/internal/bridge"
)

// Bridge event names, normalized
const (
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesUpdate   = "messages.update"
	EventMessagesDelete   = "messages.delete"
)

// Envelope is the top-level webhook body. Unknown fields are rejected.
type Envelope struct {
	Event       string          `json:"event" validate:"required"`
	Instance    string          `json:"instance" validate:"required"`
	Data        json.RawMessage `json:"data" validate:"required"`
	Destination string          `json:"destination,omitempty"`
	DateTime    string          `json:"date_time,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	ServerURL   string          `json:"server_url,omitempty"`
	APIKey      string          `json:"apikey,omitempty"`
}

// NormalizeEvent maps CONNECTION_UPDATE, connection-update and
// connection.update to the same name
func NormalizeEvent(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", ".", "-", ".").Replace(name)
}

type connectionData struct {
	State             string `json:"state" validate:"required,oneof=open close connecting"`
	StatusReason      int    `json:"statusReason"`
	Wuid              string `json:"wuid"`
	ProfileName       string `json:"profileName"`
	ProfilePictureURL string `json:"profilePictureUrl" validate:"omitempty,url"`
}

type qrcodeData struct {
	QRCode struct {
		Code   string `json:"code" validate:"required"`
		Base64 string `json:"base64"`
	} `json:"qrcode"`
}

type statusData struct {
	KeyID     string `json:"keyId" validate:"required"`
	RemoteJID string `json:"remoteJid" validate:"required"`
	FromMe    bool   `json:"fromMe"`
	Status    string `json:"status" validate:"required"`
}

type upsertData = bridge.MessageRecord

type deleteData = bridge.MessageKey
