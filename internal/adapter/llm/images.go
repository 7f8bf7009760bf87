package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

const imageInstruction = "The user attached the following images to the conversation. Use them when answering."

// ContentFetcher loads raw data-source bytes. The artifacts store supplies
// the production implementation.
type ContentFetcher interface {
	Fetch(ctx context.Context, dataSourceID string) (data []byte, mimeType string, err error)
}

// AttachImages fetches each image data source up to the model's limit,
// base64-encodes it as a data: URI part, and rewrites the last user message's
// content to [instruction, image parts..., original text]. Messages are
// returned unmodified when the model lacks image support or no sources are
// given.
func AttachImages(ctx context.Context, fetcher ContentFetcher, model domain.ModelDescriptor, msgs []domain.Message, images []domain.DataSource) ([]domain.Message, error) {
	if fetcher == nil || !model.SupportsImages || len(images) == 0 {
		return msgs, nil
	}

	limit := model.MaxImages
	if limit <= 0 {
		limit = 5
	}
	if len(images) > limit {
		images = images[:limit]
	}

	var parts []domain.ContentPart
	parts = append(parts, domain.ContentPart{Type: "text", Text: imageInstruction})
	for _, src := range images {
		data, mimeType, err := fetcher.Fetch(ctx, src.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch image %s: %w", src.ID, err)
		}
		if mimeType == "" {
			mimeType = "image/png"
		}
		uri := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
		parts = append(parts, domain.ContentPart{Type: "image_url", ImageURL: &domain.ImageURL{URL: uri}})
	}

	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != domain.RoleUser {
			continue
		}
		text := out[i].Text()
		out[i].Parts = append(append([]domain.ContentPart{}, parts...), domain.ContentPart{Type: "text", Text: text})
		out[i].Content = ""
		break
	}
	return out, nil
}

// decodeDataURI splits a data: URI into media type and raw bytes.
func decodeDataURI(uri string) (mediaType string, raw []byte, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, false
	}
	rest := strings.TrimPrefix(uri, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", nil, false
	}
	mediaType = rest[:semi]
	raw, err := base64.StdEncoding.DecodeString(rest[semi+len(";base64,"):])
	if err != nil {
		return "", nil, false
	}
	return mediaType, raw, true
}

// encodeBase64 is a small wrapper kept for symmetry with decodeDataURI.
func encodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
