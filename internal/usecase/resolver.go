package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gaiin-platform/amplify-gateway/internal/adapter/rag"
	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// ragQueryCount is the number of parallel retrieval queries issued per
// request: the user's last message plus the generated FAQ questions.
const ragQueryCount = 5

const faqQuestionsSchema = `{
	"type": "object",
	"properties": {
		"questions": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 4,
			"maxItems": 4
		}
	},
	"required": ["questions"]
}`

const faqPromptTemplate = `Given the user's message below, write exactly four FAQ-style questions a knowledge base would be queried with to answer it. Vary the phrasing and angle.

User message:
%s`

// ResolvedSources is the outcome of data-source resolution: validated and
// partitioned source sets.
type ResolvedSources struct {
	Text    []domain.DataSource
	Images  []domain.DataSource
	Group   []domain.DataSource
	Objects []domain.DataSource // obj:// references, bound later to workflow slots
}

// All returns every resolved non-object source id.
func (r ResolvedSources) All() []domain.DataSource {
	out := make([]domain.DataSource, 0, len(r.Text)+len(r.Images)+len(r.Group))
	out = append(out, r.Text...)
	out = append(out, r.Images...)
	out = append(out, r.Group...)
	return out
}

// Resolver validates data-source access and runs retrieval.
type Resolver struct {
	access domain.AccessReader
	rag    *rag.Client
	client *LLMClient
	models *ModelRegistry
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(access domain.AccessReader, ragClient *rag.Client, client *LLMClient, models *ModelRegistry, logger *slog.Logger) *Resolver {
	return &Resolver{access: access, rag: ragClient, client: client, models: models, logger: logger}
}

// Resolve validates access for every data source and partitions the set.
// Access requires extract_owner(id) == user OR an explicit access record
// (shared, group, or assistant); any failure rejects the whole request.
func (r *Resolver) Resolve(ctx context.Context, principal domain.Principal, sources, imageSources []domain.DataSource) (ResolvedSources, error) {
	var out ResolvedSources

	check := func(d domain.DataSource) error {
		if d.IsObject() {
			return nil
		}
		owner, err := domain.ExtractOwner(d.ID)
		if err == nil && owner == principal.UserID {
			return nil
		}
		ok, accessErr := r.access.HasAccess(ctx, principal.UserID, d.ID)
		if accessErr != nil {
			return fmt.Errorf("%w: access lookup for %s: %s", domain.ErrUnauthorized, d.ID, accessErr)
		}
		if !ok {
			return fmt.Errorf("%w: data source %s", domain.ErrUnauthorized, d.ID)
		}
		return nil
	}

	for _, d := range sources {
		if err := check(d); err != nil {
			return ResolvedSources{}, err
		}
		switch {
		case d.IsObject():
			out.Objects = append(out.Objects, d)
		case d.IsImage():
			out.Images = append(out.Images, d)
		case d.GroupID != "" || d.AST != "":
			out.Group = append(out.Group, d)
		default:
			out.Text = append(out.Text, d)
		}
	}
	for _, d := range imageSources {
		if err := check(d); err != nil {
			return ResolvedSources{}, err
		}
		out.Images = append(out.Images, d)
	}

	return out, nil
}

// AttachContext runs retrieval for the resolved sources and injects the
// aggregated context into the conversation. Query strings are the user's
// last message verbatim plus four generated FAQ-style questions (skipped in
// filter mode). For Anthropic models the context is prepended to the last
// user message; for others it is inserted as a new user message before the
// last.
func (r *Resolver) AttachContext(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, msgs []domain.Message, resolved ResolvedSources, filterMode bool) []domain.Message {
	if r.rag == nil {
		return msgs
	}
	last := lastUserIndex(msgs)
	if last < 0 {
		return msgs
	}
	userInput := msgs[last].Text()

	queries := []string{userInput}
	if !filterMode {
		queries = append(queries, r.faqQuestions(ctx, principal, model, userInput)...)
	}
	if len(queries) > ragQueryCount {
		queries = queries[:ragQueryCount]
	}

	sources := rag.Sources{}
	for _, d := range resolved.Text {
		sources.User = append(sources.User, d.ID)
	}
	for _, d := range resolved.Group {
		if d.AST != "" {
			sources.AST = append(sources.AST, d.ID)
		} else {
			sources.Group = append(sources.Group, d.ID)
		}
	}
	if len(sources.User) == 0 && len(sources.Group) == 0 && len(sources.AST) == 0 {
		return msgs
	}

	batches := make([][]rag.Result, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			results, err := r.rag.Retrieve(ctx, principal.AccessToken, sources, q)
			if err != nil {
				r.logger.Warn("retrieval query failed", "error", err)
				return
			}
			batches[i] = results
		}(i, q)
	}
	wg.Wait()

	merged := rag.Merge(batches...)
	contextText := rag.FormatContext(merged)
	if contextText == "" {
		return msgs
	}

	out := make([]domain.Message, len(msgs))
	copy(out, msgs)

	if model.IsAnthropic() {
		out[last] = domain.Message{
			Role:    domain.RoleUser,
			Name:    out[last].Name,
			Content: contextText + "\n\n" + out[last].Text(),
		}
		return out
	}

	injected := domain.Message{Role: domain.RoleUser, Content: contextText}
	result := make([]domain.Message, 0, len(out)+1)
	result = append(result, out[:last]...)
	result = append(result, injected)
	result = append(result, out[last:]...)
	return result
}

// faqQuestions generates four FAQ-style retrieval queries with a single
// JSON-schema-constrained sub-call on the cheapest equivalent model.
func (r *Resolver) faqQuestions(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, userInput string) []string {
	catalog, err := r.models.UserAvailableModels(ctx, principal.UserID)
	if err != nil {
		r.logger.Warn("model catalog lookup for faq generation failed", "error", err)
		return nil
	}
	cheapID := catalog.CheapestEquivalent(model)
	cheap, ok := catalog.ModelsByID[cheapID]
	if !ok {
		cheap = model
	}

	value, err := r.client.PromptForJSON(ctx, principal, cheap,
		fmt.Sprintf(faqPromptTemplate, userInput),
		json.RawMessage(faqQuestionsSchema),
		CallOptions{},
	)
	if err != nil {
		r.logger.Warn("faq question generation failed", "error", err)
		return nil
	}

	raw, _ := value["questions"].([]any)
	questions := make([]string, 0, len(raw))
	for _, q := range raw {
		if s, ok := q.(string); ok && s != "" {
			questions = append(questions, s)
		}
	}
	return questions
}

func lastUserIndex(msgs []domain.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}
