package usecase

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

func selectEnv(req *domain.ChatRequest, resolved ResolvedSources) *StrategyEnv {
	return &StrategyEnv{
		Request:  req,
		Resolved: resolved,
		Killed:   func() bool { return false },
	}
}

func newSelectRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(nil, nil, nil, nil, nil, nil, slog.Default())
}

func TestRouterSelectSignals(t *testing.T) {
	r := newSelectRouter(t)

	// Workflow documents route to the workflow strategy.
	wfReq := &domain.ChatRequest{Workflow: &domain.Workflow{Steps: []domain.WorkflowStep{{Kind: domain.StepPrompt}}}}
	assert.Equal(t, StrategyWorkflow, r.Select(selectEnv(wfReq, ResolvedSources{})))

	// Assistant ids route to their external handlers.
	assert.Equal(t, StrategyAgent, r.Select(selectEnv(&domain.ChatRequest{
		Options: domain.ChatOptions{AssistantID: "agent-7f3"},
	}, ResolvedSources{})))
	assert.Equal(t, StrategyCodeInterpreter, r.Select(selectEnv(&domain.ChatRequest{
		Options: domain.ChatOptions{AssistantID: "codeInterpreter-1"},
	}, ResolvedSources{})))
	assert.Equal(t, StrategyArtifacts, r.Select(selectEnv(&domain.ChatRequest{
		Options: domain.ChatOptions{AssistantID: "artifacts-x"},
	}, ResolvedSources{})))

	// Explicit mapReduce selection.
	assert.Equal(t, StrategyMapReduce, r.Select(selectEnv(&domain.ChatRequest{
		Options: domain.ChatOptions{DataSourceOptions: map[string]any{"strategy": "mapReduce"}},
	}, ResolvedSources{})))

	// Many text sources imply mapReduce.
	many := ResolvedSources{}
	for i := 0; i < mapReduceSourceThreshold+1; i++ {
		many.Text = append(many.Text, domain.DataSource{ID: "s3://u/x"})
	}
	assert.Equal(t, StrategyMapReduce, r.Select(selectEnv(&domain.ChatRequest{}, many)))

	// Everything else is the default strategy.
	assert.Equal(t, StrategyDefault, r.Select(selectEnv(&domain.ChatRequest{}, ResolvedSources{})))
}

func TestRouterUnconfiguredExternalHandlerReturns501(t *testing.T) {
	adapter := &scriptedAdapter{}
	model := bedrockModel("m", 100000)
	client := newTestClient(t, adapter, []domain.ModelDescriptor{model})
	r := NewRouter(client, nil, nil, nil, nil, nil, slog.Default())

	sink := &recordingSink{}
	env := &StrategyEnv{
		Principal: domain.Principal{UserID: "u"},
		Model:     model,
		Request:   &domain.ChatRequest{Options: domain.ChatOptions{AssistantID: "agent-1"}},
		Mux:       NewMultiplexer(sink),
		Killed:    func() bool { return false },
	}

	result, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, http.StatusNotImplemented, result.Status)
}

func TestRouterEmitsRoutingState(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{textTurn("hi")}}
	model := bedrockModel("m", 100000)
	client := newTestClient(t, adapter, []domain.ModelDescriptor{model})

	resolver := newTestResolver(mapAccess{})
	toolLoop := NewToolLoop(client, nil, nil, slog.Default())
	r := NewRouter(client, resolver, toolLoop, nil, nil, nil, slog.Default())

	sink := &recordingSink{}
	env := &StrategyEnv{
		Principal: domain.Principal{UserID: "u"},
		Model:     model,
		Request: &domain.ChatRequest{
			Messages: []domain.Message{{Role: domain.RoleUser, Content: "hello"}},
			Options:  domain.ChatOptions{SkipRAG: true},
		},
		Mux:    NewMultiplexer(sink),
		Killed: func() bool { return false },
	}

	_, err := r.Route(context.Background(), env)
	require.NoError(t, err)

	var routed domain.StateEvent
	for _, ev := range sink.all() {
		if s, ok := ev.(domain.StateEvent); ok {
			if _, has := s["assistant"]; has {
				routed = s
			}
		}
	}
	require.NotNil(t, routed)
	assert.Equal(t, StrategyDefault, routed["assistant"])
	assert.Contains(t, routed, "routing_time_ms")
}
