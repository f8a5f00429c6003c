package local

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// Ensure Connector implements the interface.
var _ driven.Connector = (*Connector)(nil)

// Connector serves calendars stored as directories of JSON documents,
// one file per item.
type Connector struct {
	id     string
	config *Config
	logger *slog.Logger

	// mu serializes file access across every instance of this connector
	mu sync.Mutex
}

// New creates a local connector.
func New(id string, config *Config) *Connector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Connector{
		id:     id,
		config: config,
		logger: slog.Default().With("connector", id),
	}
}

// Build creates a local connector from its configuration.
func Build(cfg domain.ConnectorConfig) (driven.Connector, error) {
	config, err := ParseConfig(cfg.Properties)
	if err != nil {
		return nil, err
	}
	return New(cfg.ID, config), nil
}

func (c *Connector) ID() string                 { return c.id }
func (c *Connector) Kind() domain.ConnectorKind { return c.config.Kind }
func (c *Connector) IsReadOnly() bool           { return c.config.ReadOnly }
func (c *Connector) TrustLastmod() bool         { return c.config.TrustLastmod }

// Start checks the root directory is usable.
func (c *Connector) Start(ctx context.Context, cfg domain.ConnectorConfig, callbackURI string, sink driven.NotificationSink) error {
	if c.config.Root != "" {
		info, err := os.Stat(c.config.Root)
		if err != nil {
			return fmt.Errorf("root %s: %w", c.config.Root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: root %s is not a directory", domain.ErrInvalidInput, c.config.Root)
		}
	}
	c.logger.Info("local connector started", "root", c.config.Root, "kind", c.config.Kind, "callback_uri", callbackURI)
	return nil
}

func (c *Connector) Stop(ctx context.Context) error {
	return nil
}

// Instance binds the connector to the directory named by one end.
func (c *Connector) Instance(ctx context.Context, sub *domain.Subscription, end domain.EndID) (driven.ConnectorInstance, error) {
	desc := sub.End(end)
	if desc == nil {
		return nil, fmt.Errorf("%w: end %q", domain.ErrInvalidInput, end)
	}
	dir, err := c.resolve(desc.URI)
	if err != nil {
		return nil, err
	}
	return &instance{conn: c, dir: dir, end: desc}, nil
}

// resolve maps an end URI to a directory, keeping it under Root when one is set.
func (c *Connector) resolve(uri string) (string, error) {
	uri = strings.TrimPrefix(uri, "file://")
	if uri == "" {
		return "", fmt.Errorf("%w: empty uri", domain.ErrInvalidInput)
	}
	if c.config.Root == "" {
		return filepath.Clean(uri), nil
	}
	dir := filepath.Join(c.config.Root, uri)
	rel, err := filepath.Rel(c.config.Root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: uri %q escapes root", domain.ErrInvalidInput, uri)
	}
	return dir, nil
}

// callbackBody is the JSON document posted to the callback endpoint.
type callbackBody struct {
	SubscriptionID string       `json:"subscription_id"`
	End            domain.EndID `json:"end"`
	Action         string       `json:"action"`
	UID            string       `json:"uid"`
}

// HandleCallback turns a callback body into one notification.
func (c *Connector) HandleCallback(ctx context.Context, req *domain.CallbackRequest) ([]*domain.Notification, error) {
	if c.config.CallbackToken != "" {
		token := http.Header(req.Header).Get(CallbackTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(c.config.CallbackToken)) != 1 {
			return nil, domain.ErrUnauthorized
		}
	}

	var body callbackBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: callback body: %v", domain.ErrInvalidInput, err)
	}
	if body.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription_id is required", domain.ErrInvalidInput)
	}
	switch body.End {
	case domain.EndNone, domain.EndA, domain.EndB:
	default:
		return nil, fmt.Errorf("%w: end %q", domain.ErrInvalidInput, body.End)
	}

	action := domain.Action(body.Action)
	switch action {
	case "":
		action = domain.ActionFullSynch
	case domain.ActionFullSynch:
	case domain.ActionCreated, domain.ActionModified, domain.ActionDeleted:
		if body.UID == "" {
			return nil, fmt.Errorf("%w: uid is required for %s", domain.ErrInvalidInput, action)
		}
		if body.End == domain.EndNone {
			return nil, fmt.Errorf("%w: end is required for %s", domain.ErrInvalidInput, action)
		}
	default:
		return nil, fmt.Errorf("%w: action %q", domain.ErrInvalidInput, body.Action)
	}

	note := domain.NewNotification(body.SubscriptionID, body.End, domain.NotificationItem{Action: action, UID: body.UID})
	return []*domain.Notification{note}, nil
}

// RespondCallback reports acceptance as JSON.
func (c *Connector) RespondCallback(ctx context.Context, req *domain.CallbackRequest, notes []*domain.Notification, err error) *domain.CallbackResponse {
	status := http.StatusAccepted
	payload := map[string]any{"accepted": len(notes)}
	if err != nil {
		status = http.StatusBadRequest
		if errors.Is(err, domain.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		payload = map[string]any{"error": err.Error()}
	}
	body, _ := json.Marshal(payload)
	return &domain.CallbackResponse{StatusCode: status, ContentType: "application/json", Body: body}
}
