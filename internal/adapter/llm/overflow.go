package llm

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// OverflowInfo is the outcome of inspecting a provider error for a
// context-window overflow.
type OverflowInfo struct {
	IsOverflow bool
	Provider   string
	Requested  int
	Limit      int
}

var openaiOverflowRe = regexp.MustCompile(`maximum context length is (\d+).*?(\d+)\s*(?:tokens)?\s*(?:requested|in the messages|in your prompt)?`)

// DetectOverflow inspects an HTTP status and body for the provider-specific
// overflow patterns:
//   - Bedrock: ValidationException / "prompt is too long"
//   - OpenAI & Azure: "maximum context length is X ... Y" / context_length_exceeded
//   - Gemini: RESOURCE_EXHAUSTED / "exceeds the maximum"
func DetectOverflow(statusCode int, body string) OverflowInfo {
	lower := strings.ToLower(body)

	switch {
	case strings.Contains(body, "ValidationException") && strings.Contains(lower, "too long"),
		strings.Contains(lower, "prompt is too long"):
		return OverflowInfo{IsOverflow: true, Provider: domain.ProviderBedrock}

	case strings.Contains(body, "context_length_exceeded"),
		strings.Contains(lower, "maximum context length"):
		info := OverflowInfo{IsOverflow: true, Provider: domain.ProviderOpenAI}
		if m := openaiOverflowRe.FindStringSubmatch(lower); m != nil {
			info.Limit, _ = strconv.Atoi(m[1])
			info.Requested, _ = strconv.Atoi(m[2])
		}
		return info

	case strings.Contains(body, "RESOURCE_EXHAUSTED") && strings.Contains(lower, "exceeds the maximum"),
		strings.Contains(lower, "exceeds the maximum number of tokens"):
		return OverflowInfo{IsOverflow: true, Provider: domain.ProviderGemini}
	}

	return OverflowInfo{}
}

// DetectOverflowErr inspects an error chain for overflow. Errors already
// classified as domain.ErrContextOverflow are overflow; otherwise the error
// text is matched against the provider patterns.
func DetectOverflowErr(err error) OverflowInfo {
	if err == nil {
		return OverflowInfo{}
	}
	if errors.Is(err, domain.ErrContextOverflow) {
		return OverflowInfo{IsOverflow: true}
	}
	return DetectOverflow(0, err.Error())
}
