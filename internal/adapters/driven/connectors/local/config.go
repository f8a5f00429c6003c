package local

import (
	"fmt"
	"strconv"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// Type is the connector type name used in configuration.
const Type = "local"

// Property names understood in domain.ConnectorConfig.Properties.
const (
	PropRoot          = "root"
	PropKind          = "kind"
	PropReadOnly      = "read_only"
	PropTrustLastmod  = "trust_lastmod"
	PropCallbackToken = "callback_token"

	// EndPropCreate on an end descriptor creates the directory on subscribe.
	EndPropCreate = "create"
)

// CallbackTokenHeader carries the shared secret when callback_token is configured.
const CallbackTokenHeader = "X-Calsynch-Token"

// Config contains configuration for the local connector.
type Config struct {
	// Root anchors relative end URIs. When set, end URIs may not escape it.
	Root string

	// Kind is poll by default; notify expects callbacks for every change.
	Kind domain.ConnectorKind

	ReadOnly     bool
	TrustLastmod bool

	// CallbackToken, when set, must be presented in CallbackTokenHeader.
	CallbackToken string
}

// DefaultConfig returns the default local connector configuration.
func DefaultConfig() *Config {
	return &Config{
		Kind:         domain.ConnectorPoll,
		TrustLastmod: true,
	}
}

// ParseConfig reads a Config from connector properties.
func ParseConfig(props map[string]string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Root = props[PropRoot]
	cfg.CallbackToken = props[PropCallbackToken]

	switch kind := domain.ConnectorKind(props[PropKind]); kind {
	case "":
	case domain.ConnectorPoll, domain.ConnectorNotify:
		cfg.Kind = kind
	default:
		return nil, fmt.Errorf("%w: kind %q", domain.ErrInvalidInput, kind)
	}

	var err error
	if cfg.ReadOnly, err = parseBool(props, PropReadOnly, cfg.ReadOnly); err != nil {
		return nil, err
	}
	if cfg.TrustLastmod, err = parseBool(props, PropTrustLastmod, cfg.TrustLastmod); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseBool(props map[string]string, name string, def bool) (bool, error) {
	v, ok := props[name]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", domain.ErrInvalidInput, name, v)
	}
	return b, nil
}
