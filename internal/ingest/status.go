// ABOUTME: Maps bridge delivery acknowledgements onto message delivery statuses
// ABOUTME: Unknown names are reported so callers can ignore them

package ingest

import (
	"strings"

	"github.com/2389/switchboard/internal/store"
)

var bridgeStatuses = map[string]store.DeliveryStatus{
	"PENDING":      store.DeliveryPending,
	"SERVER_ACK":   store.DeliverySent,
	"DELIVERY_ACK": store.DeliveryDelivered,
	"READ":         store.DeliveryRead,
	"PLAYED":       store.DeliveryRead,
	"ERROR":        store.DeliveryFailed,
}

// MapStatus converts a bridge status name. ok is false for unknown names.
func MapStatus(s string) (store.DeliveryStatus, bool) {
	status, ok := bridgeStatuses[strings.ToUpper(strings.TrimSpace(s))]
	return status, ok
}
