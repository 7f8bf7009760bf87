package channel

import (
	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// Inbound wire shapes. The public API uses camelCase keys; this file maps
// them onto the canonical domain types.

type chatEvent struct {
	Messages          []domain.Message   `json:"messages"`
	DataSources       []wireDataSource   `json:"dataSources"`
	ImageSources      []wireDataSource   `json:"imageSources"`
	Options           *wireOptions       `json:"options"`
	Workflow          *domain.Workflow   `json:"workflow"`
	KillSwitch        *wireKillSwitch    `json:"killSwitch"`
	DataSourceRequest *wireSourceRequest `json:"datasourceRequest"`
}

type wireDataSource struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata"`
	GroupID  string         `json:"groupId"`
	AST      string         `json:"ast"`
}

type wireOptions struct {
	Model              *wireModel     `json:"model"`
	RequestID          string         `json:"requestId"`
	ConversationID     string         `json:"conversationId"`
	MaxTokens          int            `json:"max_tokens"`
	Temperature        float64        `json:"temperature"`
	TopP               float64        `json:"top_p"`
	AssistantID        string         `json:"assistantId"`
	AccountID          string         `json:"accountId"`
	ReasoningLevel     string         `json:"reasoningLevel"`
	EnableWebSearch    bool           `json:"enableWebSearch"`
	RateLimit          *domain.Limit  `json:"rateLimit"`
	SkipRAG            bool           `json:"skipRag"`
	RAGOnly            bool           `json:"ragOnly"`
	MCPClientSide      bool           `json:"mcpClientSide"`
	TrackConversations bool           `json:"trackConversations"`
	DataSourceOptions  map[string]any `json:"dataSourceOptions"`
}

type wireModel struct {
	ID string `json:"id"`
}

type wireKillSwitch struct {
	RequestID string `json:"requestId"`
	Value     bool   `json:"value"`
}

type wireSourceRequest struct {
	ID string `json:"id"`
}

// toChatRequest maps the wire event to the canonical request.
func (e *chatEvent) toChatRequest() *domain.ChatRequest {
	req := &domain.ChatRequest{
		Messages: e.Messages,
		Workflow: e.Workflow,
	}
	for _, d := range e.DataSources {
		req.DataSources = append(req.DataSources, toDataSource(d))
	}
	for _, d := range e.ImageSources {
		req.ImageSources = append(req.ImageSources, toDataSource(d))
	}
	if o := e.Options; o != nil {
		req.Options = domain.ChatOptions{
			RequestID:          o.RequestID,
			ConversationID:     o.ConversationID,
			MaxTokens:          o.MaxTokens,
			Temperature:        o.Temperature,
			TopP:               o.TopP,
			AssistantID:        o.AssistantID,
			AccountID:          o.AccountID,
			ReasoningLevel:     o.ReasoningLevel,
			EnableWebSearch:    o.EnableWebSearch,
			RateLimit:          o.RateLimit,
			SkipRAG:            o.SkipRAG,
			RAGOnly:            o.RAGOnly,
			MCPClientSide:      o.MCPClientSide,
			TrackConversations: o.TrackConversations,
			DataSourceOptions:  o.DataSourceOptions,
		}
		if o.Model != nil {
			req.Options.ModelID = o.Model.ID
		}
	}
	return req
}

func toDataSource(d wireDataSource) domain.DataSource {
	return domain.DataSource{
		ID:       d.ID,
		Type:     d.Type,
		Metadata: d.Metadata,
		GroupID:  d.GroupID,
		AST:      d.AST,
	}
}
