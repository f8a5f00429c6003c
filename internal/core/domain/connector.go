package domain

// ConnectorKind tells how a connector learns about remote changes
type ConnectorKind string

const (
	// ConnectorPoll connectors are refreshed on a timer
	ConnectorPoll ConnectorKind = "poll"
	// ConnectorNotify connectors push callbacks
	ConnectorNotify ConnectorKind = "notify"
)

// ConnectorConfig configures one registered connector
type ConnectorConfig struct {
	ID         string            `json:"id" mapstructure:"id"`
	Type       string            `json:"type" mapstructure:"type"`
	Properties map[string]string `json:"properties,omitempty" mapstructure:"properties"`
}

// CallbackRequest is a raw push callback addressed to a connector
type CallbackRequest struct {
	ConnectorID string              `json:"connector_id"`
	Header      map[string][]string `json:"header,omitempty"`
	Query       map[string][]string `json:"query,omitempty"`
	Body        []byte              `json:"body,omitempty"`
}

// CallbackResponse is what the connector wants sent back to the caller
type CallbackResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}
