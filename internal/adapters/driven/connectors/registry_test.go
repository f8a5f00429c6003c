package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/calsynch/internal/adapters/driven/connectors/local"
	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven/mocks"
)

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry()
	r.RegisterType(local.Type, local.Build)

	cfg := domain.ConnectorConfig{ID: "files", Type: local.Type, Properties: map[string]string{"kind": "notify"}}
	require.NoError(t, r.Add(cfg))

	c, err := r.Get("files")
	require.NoError(t, err)
	assert.Equal(t, "files", c.ID())
	assert.Equal(t, domain.ConnectorNotify, c.Kind())
	assert.Equal(t, []domain.ConnectorConfig{cfg}, r.Configs())

	assert.ErrorIs(t, r.Add(cfg), domain.ErrAlreadyExists)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, domain.ErrConnectorNotFound)
}

func TestRegistry_AddErrors(t *testing.T) {
	r := NewRegistry()
	r.RegisterType("broken", func(cfg domain.ConnectorConfig) (driven.Connector, error) {
		return nil, errors.New("boom")
	})

	assert.ErrorIs(t, r.Add(domain.ConnectorConfig{Type: "broken"}), domain.ErrInvalidInput)
	assert.ErrorIs(t, r.Add(domain.ConnectorConfig{ID: "x", Type: "caldav"}), domain.ErrUnsupported)
	assert.ErrorContains(t, r.Add(domain.ConnectorConfig{ID: "x", Type: "broken"}), "boom")
	assert.Empty(t, r.Configs())
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	mock := mocks.NewMockConnector("alpha")
	require.NoError(t, r.Register(mock, domain.ConnectorConfig{Type: "mock"}))
	assert.ErrorIs(t, r.Register(mock, domain.ConnectorConfig{Type: "mock"}), domain.ErrAlreadyExists)

	assert.Equal(t, "alpha", r.Configs()[0].ID)
}

func TestBuild(t *testing.T) {
	builders := map[string]Builder{local.Type: local.Build}
	r, err := Build(context.Background(), builders, []domain.ConnectorConfig{
		{ID: "one", Type: local.Type},
		{ID: "two", Type: local.Type, Properties: map[string]string{"read_only": "true"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{local.Type}, r.SupportedTypes())

	two, err := r.Get("two")
	require.NoError(t, err)
	assert.True(t, two.IsReadOnly())

	_, err = Build(context.Background(), builders, []domain.ConnectorConfig{{ID: "bad", Type: local.Type, Properties: map[string]string{"kind": "x"}}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
