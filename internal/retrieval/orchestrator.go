package retrieval

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/observability"
)

const (
	// defaultMaxHops bounds the tool-use loop.
	defaultMaxHops = 4
	// searchLimitCap is the ceiling on complexity-doubled search limits.
	searchLimitCap = 100
	// retrievalToolName is the synthetic tool-call carrying injected content.
	retrievalToolName = "internal_knowledge_retrieval"
	// fetchRecordToolName loads the full record behind a citation.
	fetchRecordToolName = "fetch_full_record"
)

// Orchestrator runs the retrieval pipeline end to end.
type Orchestrator struct {
	provider Provider
	search   SearchService
	reranker Reranker
	resolver RecordResolver
	models   []ModelConfig
	maxHops  int
	limit    int
	metrics  *observability.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxHops bounds the tool-use loop.
func WithMaxHops(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxHops = n
		}
	}
}

// WithSearchLimit sets the default result limit.
func WithSearchLimit(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.limit = n
		}
	}
}

// NewOrchestrator wires the pipeline. models must list at least one entry;
// the first is the fallback when a request names no model.
func NewOrchestrator(provider Provider, search SearchService, reranker Reranker, resolver RecordResolver, models []ModelConfig, metrics *observability.Collector, logger *zap.Logger, opts ...OrchestratorOption) (*Orchestrator, error) {
	if len(models) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "retrieval.NewOrchestrator", "no models configured")
	}
	o := &Orchestrator{
		provider: provider,
		search:   search,
		reranker: reranker,
		resolver: resolver,
		models:   models,
		maxHops:  defaultMaxHops,
		limit:    20,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Ask runs the pipeline. A nil sink selects the non-streaming variant; the
// stages are identical either way. A canceled context emits no final answer.
func (o *Orchestrator) Ask(ctx context.Context, req Request, sink Sink) (*Answer, error) {
	answer, err := o.run(ctx, req, sink)
	if o.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		o.metrics.RetrievalRequests.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		if sink != nil && ctx.Err() == nil {
			sink(errorFrame(shortMessage(err)))
		}
		return nil, err
	}
	return answer, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, sink Sink) (*Answer, error) {
	emit := func(f Frame) {
		if sink != nil {
			sink(f)
		}
	}
	if req.Query == "" {
		return nil, apperrors.New(apperrors.KindValidation, "retrieval.Ask", "empty query")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeStandard
	}
	limit := req.Limit
	if limit <= 0 {
		limit = o.limit
	}

	// Stage 1: model selection.
	model := o.selectModel(req.ModelKey, req.ModelName)
	params := paramsFor(mode)
	emit(statusFrame(StatusStarted, "retrieval started"))

	// Stage 2: followup transformation.
	query := req.Query
	if len(req.History) > 0 {
		emit(statusFrame(StatusTransforming, "resolving conversation context"))
		transformed, err := o.transformFollowup(ctx, model, req.History, query)
		if err != nil {
			return nil, err
		}
		query = transformed
	}

	// Stage 3: decomposition.
	queries := []string{query}
	if mode != ModeQuick {
		emit(statusFrame(StatusAnalyzing, "analyzing the question"))
		decomposed, err := o.decompose(ctx, model, query)
		if err != nil {
			return nil, err
		}
		if len(decomposed) > 0 {
			queries = decomposed
		}
	}

	// Stage 4: filtered search. Complex questions widen the net.
	searchLimit := limit
	if len(queries) > 1 {
		searchLimit *= 2
		if searchLimit > searchLimitCap {
			searchLimit = searchLimitCap
		}
	}
	emit(statusFrame(StatusSearching, "searching the knowledge graph"))
	blocks, err := o.search.Search(ctx, SearchQuery{
		Queries:      queries,
		OrgID:        req.OrgID,
		UserID:       req.UserID,
		Limit:        searchLimit,
		FilterGroups: req.FilterGroups,
	})
	if err != nil {
		return nil, err
	}

	// Stage 5: flatten, keeping the record map for citation assembly.
	emit(statusFrame(StatusProcessing, "loading source records"))
	records, err := o.resolveRecords(ctx, blocks)
	if err != nil {
		return nil, err
	}

	// Stage 6: rerank, stable order, truncate.
	if mode != ModeQuick && len(blocks) > 1 && o.reranker != nil {
		emit(statusFrame(StatusRanking, "ranking results"))
		blocks, err = o.reranker.Rerank(ctx, query, blocks)
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].VirtualRecordID != blocks[j].VirtualRecordID {
			return blocks[i].VirtualRecordID < blocks[j].VirtualRecordID
		}
		return blocks[i].BlockIndex < blocks[j].BlockIndex
	})
	if len(blocks) > limit {
		blocks = blocks[:limit]
	}

	// Stage 7: block numbering, the citation identity.
	recordNumbers := numberBlocks(blocks)

	// Stages 8-9: injection and the tool loop.
	emit(statusFrame(StatusRetrieving, "composing the answer"))
	envelope, err := o.toolLoop(ctx, model, params, query, blocks, records)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Stage 10: citation assembly.
	return o.assemble(envelope, blocks, records, recordNumbers), nil
}

// selectModel picks by (key, name), falling back to the first configured
// model.
func (o *Orchestrator) selectModel(key, name string) ModelConfig {
	for _, m := range o.models {
		if key != "" && m.Key != key {
			continue
		}
		if name != "" && m.Name != name {
			continue
		}
		if key != "" || name != "" {
			return m
		}
	}
	return o.models[0]
}

func (o *Orchestrator) transformFollowup(ctx context.Context, model ModelConfig, history []ChatTurn, query string) (string, error) {
	var convo strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&convo, "%s: %s\n", turn.Role, turn.Content)
	}
	fmt.Fprintf(&convo, "user: %s", query)

	completion, err := o.provider.Complete(ctx, CompletionRequest{
		Model:       model.Name,
		System:      followupPrompt,
		Messages:    []ChatMessage{{Role: RoleUser, Content: convo.String()}},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return "", err
	}
	rewritten := strings.TrimSpace(completion.Content)
	if rewritten == "" {
		return query, nil
	}
	return rewritten, nil
}

// decompose asks the model for sub-queries; any parse failure degrades to the
// original query rather than failing the request.
func (o *Orchestrator) decompose(ctx context.Context, model ModelConfig, query string) ([]string, error) {
	completion, err := o.provider.Complete(ctx, CompletionRequest{
		Model:       model.Name,
		System:      decomposePrompt,
		Messages:    []ChatMessage{{Role: RoleUser, Content: query}},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}
	var queries []string
	if err := json.Unmarshal([]byte(extractJSON(completion.Content)), &queries); err != nil {
		o.logger.Debug("decomposition output not parseable, using original query",
			zap.String("output", completion.Content))
		return []string{query}, nil
	}
	out := queries[:0]
	for _, q := range queries {
		if s := strings.TrimSpace(q); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{query}, nil
	}
	return out, nil
}

// resolveRecords loads the parent record of every distinct virtual record in
// the result set. A block whose record cannot be resolved keeps a nil entry;
// its content is still usable, only citation enrichment is lost.
func (o *Orchestrator) resolveRecords(ctx context.Context, blocks []Block) (map[string]*domain.Record, error) {
	records := make(map[string]*domain.Record)
	for _, block := range blocks {
		if _, seen := records[block.VirtualRecordID]; seen {
			continue
		}
		record, err := o.resolver.ResolveRecord(ctx, block.VirtualRecordID)
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindNotFound {
				records[block.VirtualRecordID] = nil
				continue
			}
			return nil, err
		}
		records[block.VirtualRecordID] = record
	}
	return records, nil
}

// numberBlocks assigns R1, R2, ... per virtual record in encounter order and
// stamps each block with "R{rec}-{blockIndex}". Returns the record-number map.
func numberBlocks(blocks []Block) map[string]int {
	numbers := make(map[string]int)
	next := 1
	for i := range blocks {
		n, ok := numbers[blocks[i].VirtualRecordID]
		if !ok {
			n = next
			numbers[blocks[i].VirtualRecordID] = n
			next++
		}
		blocks[i].BlockNumber = fmt.Sprintf("R%d-%d", n, blocks[i].BlockIndex)
	}
	return numbers
}

// toolLoop injects the retrieved content as a synthetic tool result, then
// iterates model calls executing requested tools, bounded by maxHops.
func (o *Orchestrator) toolLoop(ctx context.Context, model ModelConfig, params modeParams, query string, blocks []Block, records map[string]*domain.Record) (*citationEnvelope, error) {
	messages := []ChatMessage{
		{Role: RoleUser, Content: query},
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{{
				ID:        "retrieval-0",
				Name:      retrievalToolName,
				Arguments: json.RawMessage(`{}`),
			}},
		},
		{
			Role:       RoleTool,
			ToolCallID: "retrieval-0",
			Content:    formatBlocks(blocks, records),
		},
	}

	tools := []ToolDef{{
		Name:        fetchRecordToolName,
		Description: "Fetch the full source record behind a block number when the retrieved excerpt is insufficient.",
		InputSchema: map[string]interface{}{
			"virtualRecordId": map[string]interface{}{
				"type":        "string",
				"description": "The virtual record id of the block's source record.",
			},
		},
	}}
	validTools := fetchRecordToolName

	hops := 0
	for {
		completion, err := o.provider.Complete(ctx, CompletionRequest{
			Model:       model.Name,
			System:      systemPrompt,
			Messages:    messages,
			Tools:       tools,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		})
		if err != nil {
			// Provider-level tool-use failures get one reflection pass
			// without tools before the run fails.
			if strings.Contains(err.Error(), "tool_use_failed") {
				o.logger.Warn("provider tool-use failure, reflecting without tools", zap.Error(err))
				completion, err = o.provider.Complete(ctx, CompletionRequest{
					Model:       model.Name,
					System:      systemPrompt,
					Messages:    append(messages, ChatMessage{Role: RoleUser, Content: fmt.Sprintf(reflectionPrompt, validTools)}),
					Temperature: params.Temperature,
					MaxTokens:   params.MaxTokens,
				})
			}
			if err != nil {
				return nil, err
			}
		}

		if len(completion.ToolCalls) == 0 {
			if o.metrics != nil {
				o.metrics.ToolHops.Observe(float64(hops))
			}
			return parseCitationEnvelope(completion.Content)
		}

		hops++
		if hops > o.maxHops {
			return nil, apperrors.New(apperrors.KindFatal, "retrieval.toolLoop",
				"tool-use loop exceeded hop budget")
		}

		assistant := ChatMessage{Role: RoleAssistant, Content: completion.Content, ToolCalls: completion.ToolCalls}
		messages = append(messages, assistant)
		for _, call := range completion.ToolCalls {
			result, isError := o.executeTool(ctx, call, validTools)
			messages = append(messages, ChatMessage{
				Role:       RoleTool,
				ToolCallID: call.ID,
				Content:    result,
				IsError:    isError,
			})
		}
	}
}

// executeTool runs one tool call. Unknown tool names produce a reflection
// result listing the valid tools.
func (o *Orchestrator) executeTool(ctx context.Context, call ToolCall, validTools string) (string, bool) {
	if call.Name != fetchRecordToolName {
		return fmt.Sprintf(reflectionPrompt, validTools), true
	}

	var args struct {
		VirtualRecordID string `json:"virtualRecordId"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args.VirtualRecordID == "" {
		return "fetch_full_record requires a virtualRecordId argument", true
	}
	record, err := o.resolver.ResolveRecord(ctx, args.VirtualRecordID)
	if err != nil {
		return "record unavailable: " + shortMessage(err), true
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "record unavailable", true
	}
	return string(payload), false
}

// formatBlocks renders the strict block listing injected as the synthetic
// tool result: a header per record, then its numbered blocks, tables rendered
// row by row.
func formatBlocks(blocks []Block, records map[string]*domain.Record) string {
	if len(blocks) == 0 {
		return "No relevant content was found."
	}

	var b strings.Builder
	lastRecord := ""
	for _, block := range blocks {
		if block.VirtualRecordID != lastRecord {
			lastRecord = block.VirtualRecordID
			name := block.VirtualRecordID
			if rec := records[block.VirtualRecordID]; rec != nil {
				name = rec.RecordName
			}
			fmt.Fprintf(&b, "## Record: %s\n", name)
		}
		fmt.Fprintf(&b, "[%s]", block.BlockNumber)
		if block.BlockType == "table" && len(block.TableRows) > 0 {
			b.WriteString(" (table)\n")
			for _, row := range block.TableRows {
				b.WriteString("| " + strings.Join(row, " | ") + " |\n")
			}
		} else {
			b.WriteString(" " + block.Content + "\n")
		}
	}
	return b.String()
}

// citationEnvelope is the strictly parsed LLM output.
type citationEnvelope struct {
	Answer          string          `json:"answer"`
	Reason          string          `json:"reason"`
	Confidence      string          `json:"confidence"`
	AnswerMatchType string          `json:"answerMatchType"`
	BlockNumbers    []string        `json:"blockNumbers"`
	Citations       json.RawMessage `json:"citations"`
}

func parseCitationEnvelope(content string) (*citationEnvelope, error) {
	var envelope citationEnvelope
	if err := json.Unmarshal([]byte(extractJSON(content)), &envelope); err != nil {
		return nil, apperrors.Wrap(apperrors.KindIntegrity, "retrieval.parseCitationEnvelope", err)
	}
	if envelope.Answer == "" {
		return nil, apperrors.New(apperrors.KindIntegrity, "retrieval.parseCitationEnvelope",
			"envelope has no answer")
	}
	return &envelope, nil
}

// extractJSON trims markdown fences and surrounding prose around the first
// top-level JSON value.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		return strings.TrimSpace(content)
	}
	start := strings.IndexAny(content, "[{")
	if start < 0 {
		return content
	}
	end := strings.LastIndexAny(content, "]}")
	if end < start {
		return content
	}
	return content[start : end+1]
}

// assemble resolves blockNumbers back to records and builds the final answer.
func (o *Orchestrator) assemble(envelope *citationEnvelope, blocks []Block, records map[string]*domain.Record, recordNumbers map[string]int) *Answer {
	byNumber := make(map[string]Block, len(blocks))
	for _, block := range blocks {
		byNumber[block.BlockNumber] = block
	}

	answer := &Answer{
		Answer:          envelope.Answer,
		Reason:          envelope.Reason,
		Confidence:      envelope.Confidence,
		AnswerMatchType: envelope.AnswerMatchType,
		BlockNumbers:    envelope.BlockNumbers,
	}
	for _, number := range envelope.BlockNumbers {
		block, ok := byNumber[number]
		if !ok {
			o.logger.Warn("answer cites unknown block number", zap.String("blockNumber", number))
			continue
		}
		citation := Citation{
			BlockNumber:     number,
			VirtualRecordID: block.VirtualRecordID,
			Content:         block.Content,
		}
		if rec := records[block.VirtualRecordID]; rec != nil {
			citation.RecordKey = rec.Key
			citation.RecordName = rec.RecordName
			citation.WebURL = rec.WebURL
		}
		answer.Citations = append(answer.Citations, citation)
	}
	return answer
}

func shortMessage(err error) string {
	var e *apperrors.Error
	if stderrors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "retrieval failed"
}
