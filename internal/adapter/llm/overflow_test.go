package llm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

func TestDetectOverflowPatterns(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		provider string
	}{
		{
			name:     "bedrock validation",
			body:     `{"__type":"ValidationException","message":"Input is too long for requested model."}`,
			provider: domain.ProviderBedrock,
		},
		{
			name:     "anthropic prompt too long",
			body:     `{"error":{"message":"prompt is too long: 210003 tokens > 200000 maximum"}}`,
			provider: domain.ProviderBedrock,
		},
		{
			name:     "openai context length",
			body:     `{"error":{"code":"context_length_exceeded","message":"This model's maximum context length is 128000 tokens. However, your messages resulted in 131072 tokens."}}`,
			provider: domain.ProviderOpenAI,
		},
		{
			name:     "azure maximum context",
			body:     `{"error":{"message":"This model's maximum context length is 16385 tokens, however you requested 20000 tokens."}}`,
			provider: domain.ProviderOpenAI,
		},
		{
			name:     "gemini resource exhausted",
			body:     `{"error":{"status":"RESOURCE_EXHAUSTED","message":"The input token count exceeds the maximum number of tokens allowed."}}`,
			provider: domain.ProviderGemini,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := DetectOverflow(400, tt.body)
			assert.True(t, info.IsOverflow)
			assert.Equal(t, tt.provider, info.Provider)
		})
	}
}

func TestDetectOverflowExtractsLimits(t *testing.T) {
	body := `maximum context length is 128000 tokens. However, your messages resulted in 131072 tokens`
	info := DetectOverflow(400, body)
	assert.True(t, info.IsOverflow)
	assert.Equal(t, 128000, info.Limit)
	assert.Equal(t, 131072, info.Requested)
}

func TestDetectOverflowNegatives(t *testing.T) {
	for _, body := range []string{
		`{"error":{"message":"rate limit exceeded"}}`,
		`{"error":{"message":"invalid api key"}}`,
		"",
	} {
		info := DetectOverflow(429, body)
		assert.False(t, info.IsOverflow, "body %q must not match", body)
	}
}

func TestDetectOverflowErr(t *testing.T) {
	assert.False(t, DetectOverflowErr(nil).IsOverflow)
	assert.True(t, DetectOverflowErr(fmt.Errorf("wrap: %w", domain.ErrContextOverflow)).IsOverflow)
	assert.True(t, DetectOverflowErr(fmt.Errorf("prompt is too long")).IsOverflow)
	assert.False(t, DetectOverflowErr(fmt.Errorf("connection refused")).IsOverflow)
}
