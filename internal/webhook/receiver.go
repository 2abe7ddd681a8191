// ABOUTME: HTTP receiver for bridge webhooks with strict decoding and validation
// ABOUTME: Always acknowledges with 200 and dispatches to the state machine or ingest on a detached context

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/channelstate"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/store"
)

const (
	maxBodyBytes   = 4 << 20
	handlerTimeout = 30 * time.Second
)

var (
	// ErrInvalidPayload is returned for bodies that fail decoding or validation
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrReplayed is returned when the same message delivery arrived within the replay window
	ErrReplayed = errors.New("replayed webhook")
)

// StateMachine handles connection lifecycle events
type StateMachine interface {
	HandleConnectionUpdate(ctx context.Context, u channelstate.ConnectionUpdate) (*channelstate.Result, error)
	HandleQRCode(ctx context.Context, instance string, qr channelstate.QRCodeData) error
}

// Ingester handles message events
type Ingester interface {
	HandleUpsert(ctx context.Context, instance string, rec bridge.MessageRecord) (ingest.Outcome, error)
	HandleStatusUpdate(ctx context.Context, instance string, u ingest.StatusUpdate) (ingest.Outcome, error)
	HandleDelete(ctx context.Context, instance string, key bridge.MessageKey) (ingest.Outcome, error)
}

// Receiver decodes bridge webhooks and dispatches them
type Receiver struct {
	machine  StateMachine
	ingester Ingester
	validate *validator.Validate
	replay   *dedupe.Cache
	timeout  time.Duration
	logger   *slog.Logger
}

// NewReceiver creates a receiver. replay may be nil to disable the replay guard.
// The guard covers message deliveries only. Connection updates always reach the
// state machine, which compares them with the stored state.
func NewReceiver(machine StateMachine, ingester Ingester, replay *dedupe.Cache, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		machine:  machine,
		ingester: ingester,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		replay:   replay,
		timeout:  handlerTimeout,
		logger:   logger.With("component", "webhook"),
	}
}

// Routes mounts the webhook endpoints
func (rc *Receiver) Routes(r chi.Router) {
	r.Post("/webhooks/bridge", rc.ServeHTTP)
	r.Post("/webhooks/bridge/{event}", rc.ServeHTTP)
}

// ServeHTTP acknowledges every delivery. Failures are logged, never returned.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if p := recover(); p != nil {
			rc.logger.Error("webhook handler panic", "panic", p, "path", r.URL.Path)
			render.JSON(w, r, map[string]string{"status": "ok"})
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		rc.logger.Warn("reading webhook body", "error", err)
		render.JSON(w, r, map[string]string{"status": "ok"})
		return
	}

	// The bridge retries on slow responses; handlers must finish regardless of the caller
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), rc.timeout)
	defer cancel()

	if err := rc.Handle(ctx, chi.URLParam(r, "event"), body); err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrReplayed) {
			level = slog.LevelWarn
		}
		rc.logger.Log(ctx, level, "webhook not processed", "error", err)
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// Handle decodes and dispatches one webhook body. pathEvent is the optional
// event name appended to the URL; the body's event wins when both are set.
func (rc *Receiver) Handle(ctx context.Context, pathEvent string, body []byte) error {
	env, err := rc.decodeEnvelope(body, pathEvent)
	if err != nil {
		return err
	}
	logger := rc.logger.With("event", env.Event, "instance", env.Instance)

	switch env.Event {
	case EventConnectionUpdate:
		var data connectionData
		if err := rc.decodeData(env, &data); err != nil {
			return err
		}
		res, err := rc.machine.HandleConnectionUpdate(ctx, channelstate.ConnectionUpdate{
			Instance:          env.Instance,
			State:             store.ConnectionState(data.State),
			StatusReason:      data.StatusReason,
			Wuid:              data.Wuid,
			ProfileName:       data.ProfileName,
			ProfilePictureURL: data.ProfilePictureURL,
		})
		if err != nil {
			return fmt.Errorf("connection update: %w", err)
		}
		logger.Debug("connection update handled", "outcome", res.Outcome, "reason", res.Reason)

	case EventQRCodeUpdated:
		var data qrcodeData
		if err := rc.decodeData(env, &data); err != nil {
			return err
		}
		return rc.machine.HandleQRCode(ctx, env.Instance, channelstate.QRCodeData{
			Code:   data.QRCode.Code,
			Base64: data.QRCode.Base64,
		})

	case EventMessagesUpsert:
		records, err := rc.decodeRecords(env)
		if err != nil {
			return err
		}
		var errs []error
		for _, rec := range records {
			key, ok := rc.claim(env, rec.Key.ID)
			if !ok {
				logger.Debug("skipping replayed message", "key_id", rec.Key.ID)
				continue
			}
			outcome, err := rc.ingester.HandleUpsert(ctx, env.Instance, rec)
			if err != nil {
				rc.release(key)
				errs = append(errs, fmt.Errorf("upsert %s: %w", rec.Key.ID, err))
				continue
			}
			logger.Debug("message upsert handled", "key_id", rec.Key.ID, "outcome", outcome)
		}
		return errors.Join(errs...)

	case EventMessagesUpdate:
		var data statusData
		if err := rc.decodeData(env, &data); err != nil {
			return err
		}
		key, ok := rc.claim(env, data.KeyID, data.Status)
		if !ok {
			return fmt.Errorf("%w: %s %s", ErrReplayed, env.Event, data.KeyID)
		}
		outcome, err := rc.ingester.HandleStatusUpdate(ctx, env.Instance, ingest.StatusUpdate{
			KeyID:     data.KeyID,
			RemoteJID: data.RemoteJID,
			FromMe:    data.FromMe,
			Status:    data.Status,
		})
		if err != nil {
			rc.release(key)
			return fmt.Errorf("status update: %w", err)
		}
		logger.Debug("message update handled", "key_id", data.KeyID, "outcome", outcome)

	case EventMessagesDelete:
		var data deleteData
		if err := rc.decodeData(env, &data); err != nil {
			return err
		}
		key, ok := rc.claim(env, data.ID)
		if !ok {
			return fmt.Errorf("%w: %s %s", ErrReplayed, env.Event, data.ID)
		}
		outcome, err := rc.ingester.HandleDelete(ctx, env.Instance, data)
		if err != nil {
			rc.release(key)
			return fmt.Errorf("delete: %w", err)
		}
		logger.Debug("message delete handled", "key_id", data.ID, "outcome", outcome)

	default:
		logger.Debug("ignoring unhandled webhook event")
	}
	return nil
}

func (rc *Receiver) decodeEnvelope(body []byte, pathEvent string) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Event == "" {
		env.Event = pathEvent
	}
	env.Event = NormalizeEvent(env.Event)
	if err := rc.validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &env, nil
}

func (rc *Receiver) decodeData(env *Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidPayload, env.Event, err)
	}
	if err := rc.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidPayload, env.Event, err)
	}
	return nil
}

// decodeRecords accepts a single record or an array of records
func (rc *Receiver) decodeRecords(env *Envelope) ([]bridge.MessageRecord, error) {
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []upsertData
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrInvalidPayload, env.Event, err)
		}
		for i := range records {
			if err := rc.validate.Struct(&records[i]); err != nil {
				return nil, fmt.Errorf("%w: %s data[%d]: %v", ErrInvalidPayload, env.Event, i, err)
			}
		}
		return records, nil
	}

	var rec upsertData
	if err := rc.decodeData(env, &rec); err != nil {
		return nil, err
	}
	return []bridge.MessageRecord{rec}, nil
}

// claim marks one message delivery as handled. ok is false when the same
// delivery was already claimed inside the replay window.
func (rc *Receiver) claim(env *Envelope, parts ...string) (key string, ok bool) {
	if rc.replay == nil {
		return "", true
	}
	key = env.Instance + "|" + env.Event + "|" + strings.Join(parts, "|")
	return key, rc.replay.Allow(key)
}

// release forgets a claimed delivery so the bridge's retry is processed
func (rc *Receiver) release(key string) {
	if rc.replay != nil && key != "" {
		rc.replay.Forget(key)
	}
}
