package retrieval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
)

// scriptedProvider replays canned completions and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []completionOrErr
	requests  []CompletionRequest
}

type completionOrErr struct {
	completion *Completion
	err        error
}

func (p *scriptedProvider) reply(c *Completion) *scriptedProvider {
	p.responses = append(p.responses, completionOrErr{completion: c})
	return p
}

func (p *scriptedProvider) fail(err error) *scriptedProvider {
	p.responses = append(p.responses, completionOrErr{err: err})
	return p
}

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, apperrors.New(apperrors.KindFatal, "test", "scripted provider exhausted")
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	return next.completion, next.err
}

type staticSearch struct {
	blocks  []Block
	queries []SearchQuery
}

func (s *staticSearch) Search(ctx context.Context, query SearchQuery) ([]Block, error) {
	s.queries = append(s.queries, query)
	return s.blocks, nil
}

type identityReranker struct{ called bool }

func (r *identityReranker) Rerank(ctx context.Context, query string, blocks []Block) ([]Block, error) {
	r.called = true
	return blocks, nil
}

type mapResolver map[string]*domain.Record

func (m mapResolver) ResolveRecord(ctx context.Context, virtualRecordID string) (*domain.Record, error) {
	rec, ok := m[virtualRecordID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "test", "no record")
	}
	return rec, nil
}

func answerJSON(answer string, blockNumbers ...string) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"answer":          answer,
		"reason":          "stated in the retrieved blocks",
		"confidence":      "High",
		"answerMatchType": "Derived From Chunks",
		"blockNumbers":    blockNumbers,
		"citations":       []string{},
	})
	return string(payload)
}

func forecastBlocks() []Block {
	return []Block{
		{VirtualRecordID: "vr-1", BlockIndex: 0, Content: "Q3 revenue forecast is 12M.", BlockType: "text"},
		{VirtualRecordID: "vr-1", BlockIndex: 1, Content: "Growth driven by the north region.", BlockType: "text"},
	}
}

func newTestOrchestrator(t *testing.T, provider Provider, search SearchService, reranker Reranker, resolver RecordResolver) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(provider, search, reranker, resolver,
		[]ModelConfig{{Key: "default", Name: "claude-sonnet-4-0"}},
		nil, zap.NewNop())
	require.NoError(t, err)
	return o
}

func TestAsk_QuickMode_CitationScenario(t *testing.T) {
	provider := (&scriptedProvider{}).
		reply(&Completion{Content: answerJSON("The Q3 forecast is 12M [R1-0], driven by the north region [R1-1].", "R1-0", "R1-1")})
	search := &staticSearch{blocks: forecastBlocks()}
	resolver := mapResolver{"vr-1": {Key: "rec-1", RecordName: "q3-forecast.xlsx", WebURL: "https://drive/q3"}}

	o := newTestOrchestrator(t, provider, search, nil, resolver)
	answer, err := o.Ask(context.Background(), Request{
		Query:  "summarize the Q3 forecast",
		OrgID:  "org-1",
		UserID: "user-1",
		Mode:   ModeQuick,
	}, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"R1-0", "R1-1"}, answer.BlockNumbers)
	require.Len(t, answer.Citations, 2)
	// Both citations resolve to the same record.
	assert.Equal(t, "rec-1", answer.Citations[0].RecordKey)
	assert.Equal(t, "rec-1", answer.Citations[1].RecordKey)

	// Quick mode: single LLM call, no decomposition, no rerank.
	require.Len(t, provider.requests, 1)

	// The synthetic injection carries both numbered blocks.
	injected := provider.requests[0].Messages
	require.Len(t, injected, 3)
	assert.Equal(t, RoleAssistant, injected[1].Role)
	require.Len(t, injected[1].ToolCalls, 1)
	assert.Equal(t, retrievalToolName, injected[1].ToolCalls[0].Name)
	assert.Equal(t, RoleTool, injected[2].Role)
	assert.Contains(t, injected[2].Content, "[R1-0]")
	assert.Contains(t, injected[2].Content, "[R1-1]")
	assert.Contains(t, injected[2].Content, "q3-forecast.xlsx")
}

func TestAsk_StandardMode_DecomposesAndReranks(t *testing.T) {
	provider := (&scriptedProvider{}).
		reply(&Completion{Content: `["q3 revenue forecast", "q3 growth drivers"]`}).
		reply(&Completion{Content: answerJSON("12M [R1-0].", "R1-0")})
	search := &staticSearch{blocks: forecastBlocks()}
	reranker := &identityReranker{}
	resolver := mapResolver{"vr-1": {Key: "rec-1", RecordName: "q3-forecast.xlsx"}}

	o := newTestOrchestrator(t, provider, search, reranker, resolver)
	_, err := o.Ask(context.Background(), Request{
		Query:  "summarize the Q3 forecast",
		OrgID:  "org-1",
		UserID: "user-1",
		Limit:  10,
	}, nil)
	require.NoError(t, err)

	assert.True(t, reranker.called)
	require.Len(t, search.queries, 1)
	assert.Equal(t, []string{"q3 revenue forecast", "q3 growth drivers"}, search.queries[0].Queries)
	// Two sub-queries classify the question as complex: the limit doubles.
	assert.Equal(t, 20, search.queries[0].Limit)
}

func TestAsk_ComplexLimitIsCapped(t *testing.T) {
	provider := (&scriptedProvider{}).
		reply(&Completion{Content: `["a", "b"]`}).
		reply(&Completion{Content: answerJSON("nothing found")})
	search := &staticSearch{}

	o := newTestOrchestrator(t, provider, search, nil, mapResolver{})
	_, err := o.Ask(context.Background(), Request{Query: "q", OrgID: "o", UserID: "u", Limit: 80}, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, search.queries[0].Limit)
}

func TestAsk_FollowupTransformation(t *testing.T) {
	provider := (&scriptedProvider{}).
		reply(&Completion{Content: "What is the Q3 revenue forecast?"}).
		reply(&Completion{Content: answerJSON("12M [R1-0].", "R1-0")})
	search := &staticSearch{blocks: forecastBlocks()[:1]}

	o := newTestOrchestrator(t, provider, search, nil, mapResolver{"vr-1": {Key: "rec-1"}})
	_, err := o.Ask(context.Background(), Request{
		Query:  "and what about Q3?",
		OrgID:  "org-1",
		UserID: "user-1",
		Mode:   ModeQuick,
		History: []ChatTurn{
			{Role: "user", Content: "What was Q2 revenue?"},
			{Role: "assistant", Content: "Q2 revenue was 10M."},
		},
	}, nil)
	require.NoError(t, err)

	// The transformed query, not the raw followup, reaches search.
	require.Len(t, search.queries, 1)
	assert.Equal(t, []string{"What is the Q3 revenue forecast?"}, search.queries[0].Queries)
}

func TestAsk_ToolLoop_FetchFullRecord(t *testing.T) {
	provider := (&scriptedProvider{}).
		reply(&Completion{ToolCalls: []ToolCall{{
			ID:        "call-1",
			Name:      fetchRecordToolName,
			Arguments: json.RawMessage(`{"virtualRecordId":"vr-1"}`),
		}}}).
		reply(&Completion{Content: answerJSON("12M [R1-0].", "R1-0")})
	search := &staticSearch{blocks: forecastBlocks()[:1]}
	resolver := mapResolver{"vr-1": {Key: "rec-1", RecordName: "q3-forecast.xlsx"}}

	o := newTestOrchestrator(t, provider, search, nil, resolver)
	answer, err := o.Ask(context.Background(), Request{Query: "q3?", OrgID: "o", UserID: "u", Mode: ModeQuick}, nil)
	require.NoError(t, err)
	assert.Contains(t, answer.Answer, "12M")

	// Second call carries the tool result with the full record payload.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, RoleTool, last.Role)
	assert.Equal(t, "call-1", last.ToolCallID)
	assert.Contains(t, last.Content, "q3-forecast.xlsx")
	assert.False(t, last.IsError)
}

func TestAsk_UnknownToolGetsReflection(t *testing.T) {
	provider := (&scriptedProvider{}).
		reply(&Completion{ToolCalls: []ToolCall{{
			ID:        "call-1",
			Name:      "search_the_web",
			Arguments: json.RawMessage(`{}`),
		}}}).
		reply(&Completion{Content: answerJSON("12M [R1-0].", "R1-0")})
	search := &staticSearch{blocks: forecastBlocks()[:1]}

	o := newTestOrchestrator(t, provider, search, nil, mapResolver{"vr-1": {Key: "rec-1"}})
	_, err := o.Ask(context.Background(), Request{Query: "q3?", OrgID: "o", UserID: "u", Mode: ModeQuick}, nil)
	require.NoError(t, err)

	second := provider.requests[1].Messages
	last := second[len(second)-1]
	assert.True(t, last.IsError)
	assert.Contains(t, last.Content, fetchRecordToolName)
}

func TestAsk_HopBudgetExhausted(t *testing.T) {
	provider := &scriptedProvider{}
	for i := 0; i < 6; i++ {
		provider.reply(&Completion{ToolCalls: []ToolCall{{
			ID:        "loop",
			Name:      fetchRecordToolName,
			Arguments: json.RawMessage(`{"virtualRecordId":"vr-1"}`),
		}}})
	}
	search := &staticSearch{blocks: forecastBlocks()[:1]}

	o := newTestOrchestrator(t, provider, search, nil, mapResolver{"vr-1": {Key: "rec-1"}})
	_, err := o.Ask(context.Background(), Request{Query: "q3?", OrgID: "o", UserID: "u", Mode: ModeQuick}, nil)
	require.Error(t, err)
	// Injection call plus maxHops tool rounds.
	assert.Len(t, provider.requests, defaultMaxHops+1)
}

func TestAsk_StreamsStatusFrames(t *testing.T) {
	provider := (&scriptedProvider{}).
		reply(&Completion{Content: answerJSON("12M [R1-0].", "R1-0")})
	search := &staticSearch{blocks: forecastBlocks()[:1]}

	o := newTestOrchestrator(t, provider, search, nil, mapResolver{"vr-1": {Key: "rec-1"}})
	var frames []Frame
	_, err := o.Ask(context.Background(), Request{Query: "q3?", OrgID: "o", UserID: "u", Mode: ModeQuick},
		func(f Frame) { frames = append(frames, f) })
	require.NoError(t, err)

	var statuses []string
	for _, f := range frames {
		require.Equal(t, "status", f.Event)
		var payload struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(f.Data, &payload))
		statuses = append(statuses, payload.Status)
	}
	assert.Equal(t, []string{StatusStarted, StatusSearching, StatusProcessing, StatusRetrieving}, statuses)
}

func TestAsk_ProviderErrorEmitsErrorFrame(t *testing.T) {
	provider := (&scriptedProvider{}).
		fail(apperrors.New(apperrors.KindTransient, "test", "model unavailable"))
	search := &staticSearch{blocks: forecastBlocks()[:1]}

	o := newTestOrchestrator(t, provider, search, nil, mapResolver{"vr-1": {Key: "rec-1"}})
	var frames []Frame
	_, err := o.Ask(context.Background(), Request{Query: "q3?", OrgID: "o", UserID: "u", Mode: ModeQuick},
		func(f Frame) { frames = append(frames, f) })
	require.Error(t, err)

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.Event)
	assert.Contains(t, string(last.Data), "model unavailable")
}

func TestNumberBlocks(t *testing.T) {
	blocks := []Block{
		{VirtualRecordID: "vr-a", BlockIndex: 0},
		{VirtualRecordID: "vr-a", BlockIndex: 3},
		{VirtualRecordID: "vr-b", BlockIndex: 1},
	}
	numbers := numberBlocks(blocks)

	assert.Equal(t, "R1-0", blocks[0].BlockNumber)
	assert.Equal(t, "R1-3", blocks[1].BlockNumber)
	assert.Equal(t, "R2-1", blocks[2].BlockNumber)
	assert.Equal(t, map[string]int{"vr-a": 1, "vr-b": 2}, numbers)
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"Here you go: {\"a\":1}":  `{"a":1}`,
		`["x","y"]`:               `["x","y"]`,
		"prefix [\"x\"] suffix]":  `["x"] suffix]`,
	}
	for in, want := range cases {
		assert.Equal(t, want, extractJSON(in), in)
	}
}

func TestSelectModel(t *testing.T) {
	o := &Orchestrator{models: []ModelConfig{
		{Key: "fast", Name: "claude-haiku"},
		{Key: "deep", Name: "claude-opus"},
	}}

	assert.Equal(t, "claude-opus", o.selectModel("deep", "").Name)
	assert.Equal(t, "claude-opus", o.selectModel("", "claude-opus").Name)
	assert.Equal(t, "claude-haiku", o.selectModel("", "").Name)
	assert.Equal(t, "claude-haiku", o.selectModel("missing", "").Name)
}
