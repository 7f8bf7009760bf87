package llm

import (
	"strings"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

const imagesStrippedNotice = "Note: images were attached to this conversation but the selected model does not support image input; they have been omitted."

// shapeMessages applies the model-capability rewrites every adapter needs
// before vendor translation:
//   - flatten system roles to user when the model lacks system-prompt support
//   - append the model's system_prompt_suffix to the (first) system message
//   - strip image parts when the model lacks image support, prepending a
//     textual notice
//
// Vendor-specific rewrites (tool roles, image part shapes) stay in each
// adapter.
func shapeMessages(model domain.ModelDescriptor, msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	suffixApplied := false
	strippedImages := false

	for _, m := range msgs {
		mm := m

		if mm.Role == domain.RoleSystem {
			if model.SystemPromptSuffix != "" && !suffixApplied {
				mm.Content = strings.TrimRight(mm.Text(), "\n") + "\n" + model.SystemPromptSuffix
				mm.Parts = nil
				suffixApplied = true
			}
			if !model.SupportsSystemPrompt {
				mm.Role = domain.RoleUser
			}
		}

		if !model.SupportsImages && mm.HasImages() {
			mm.Content = mm.Text()
			mm.Parts = nil
			strippedImages = true
		}

		out = append(out, mm)
	}

	if model.SystemPromptSuffix != "" && !suffixApplied {
		sys := domain.Message{Role: domain.RoleSystem, Content: model.SystemPromptSuffix}
		if !model.SupportsSystemPrompt {
			sys.Role = domain.RoleUser
		}
		out = append([]domain.Message{sys}, out...)
	}

	if strippedImages {
		out = append([]domain.Message{{Role: domain.RoleUser, Content: imagesStrippedNotice}}, out...)
	}

	return out
}

// sanitizeForLog elides message contents from a request for critical-log
// entries, keeping only roles and counts.
func sanitizeForLog(req Request) map[string]any {
	roles := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		roles[i] = m.Role
	}
	return map[string]any{
		"model":      req.Model.ID,
		"provider":   req.Model.Provider,
		"messages":   len(req.Messages),
		"roles":      strings.Join(roles, ","),
		"tools":      len(req.Tools),
		"max_tokens": req.MaxTokens,
	}
}
