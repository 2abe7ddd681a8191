// Package webhook receives notifications from the messaging bridge.
//
// Every delivery is answered with 200 {"status":"ok"} so the bridge never
// retries on our account; malformed bodies, unknown events and handler errors
// are logged instead. Handlers run on a context detached from the request so
// a dropped connection does not abort a half-applied update.
//
// Routed events:
//
//	connection.update -> channelstate.Machine.HandleConnectionUpdate
//	qrcode.updated    -> channelstate.Machine.HandleQRCode
//	messages.upsert   -> ingest.Service.HandleUpsert
//	messages.update   -> ingest.Service.HandleStatusUpdate
//	messages.delete   -> ingest.Service.HandleDelete
package webhook
