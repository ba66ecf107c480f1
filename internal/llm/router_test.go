package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name       string
	configured bool
}

func (s *stubProvider) Name() string              { return s.name }
func (s *stubProvider) AvailableModels() []string { return []string{"m"} }
func (s *stubProvider) DefaultModel() string      { return "m" }
func (s *stubProvider) IsConfigured() bool        { return s.configured }
func (s *stubProvider) Chat(ctx context.Context, req Request, model string) (*Response, error) {
	return &Response{Answer: "ok"}, nil
}

type streamingStub struct{ stubProvider }

func (s *streamingStub) ChatStream(ctx context.Context, req Request, model string, onAnswer func(string)) (*Response, error) {
	return &Response{Answer: "ok"}, nil
}

func TestRouter(t *testing.T) {
	r := NewRouter("dify")
	r.RegisterProvider(&streamingStub{stubProvider{name: "dify", configured: true}})
	r.RegisterProvider(&stubProvider{name: "openai", configured: false})
	r.RegisterProvider(&stubProvider{name: "gemini", configured: true})

	t.Run("default provider", func(t *testing.T) {
		p, err := r.GetProvider("")
		require.NoError(t, err)
		assert.Equal(t, "dify", p.Name())
	})

	t.Run("unconfigured and unknown providers", func(t *testing.T) {
		_, err := r.GetProvider("openai")
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		_, err = r.GetProvider("anthropic")
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("list and info", func(t *testing.T) {
		assert.Equal(t, []string{"dify", "gemini"}, r.ListProviders())

		infos := r.GetProvidersInfo()
		require.Len(t, infos, 3)
		assert.Equal(t, "dify", infos[0].Name)
		assert.True(t, infos[0].Default)
		assert.True(t, infos[0].Streaming)
		assert.False(t, infos[1].Streaming)
	})
}

func TestProviderError(t *testing.T) {
	err := &ProviderError{Provider: "dify", StatusCode: 429, Body: "slow down"}
	assert.Equal(t, "dify returned status 429: slow down", err.Error())
}
