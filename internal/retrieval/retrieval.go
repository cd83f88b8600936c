// Package retrieval implements the answer pipeline: query transformation,
// decomposition, filtered search, reranking, synthetic tool-result injection
// and a bounded tool-use loop ending in a strictly parsed citation envelope.
package retrieval

import (
	"context"
	"encoding/json"

	"kortex-backend/internal/domain"
)

// Mode selects the behavior profile of a retrieval run.
type Mode string

const (
	ModeQuick        Mode = "quick"
	ModeAnalysis     Mode = "analysis"
	ModeDeepResearch Mode = "deep_research"
	ModeCreative     Mode = "creative"
	ModePrecise      Mode = "precise"
	ModeStandard     Mode = "standard"
)

// ModelConfig describes one configured LLM.
type ModelConfig struct {
	Key  string `yaml:"key" json:"key"`
	Name string `yaml:"name" json:"name"`
}

// modeParams are the per-mode generation parameters.
type modeParams struct {
	Temperature float64
	MaxTokens   int
}

var modeProfiles = map[Mode]modeParams{
	ModeQuick:        {Temperature: 0.1, MaxTokens: 1024},
	ModeAnalysis:     {Temperature: 0.3, MaxTokens: 4096},
	ModeDeepResearch: {Temperature: 0.4, MaxTokens: 8192},
	ModeCreative:     {Temperature: 0.8, MaxTokens: 4096},
	ModePrecise:      {Temperature: 0.0, MaxTokens: 2048},
	ModeStandard:     {Temperature: 0.2, MaxTokens: 4096},
}

func paramsFor(mode Mode) modeParams {
	if p, ok := modeProfiles[mode]; ok {
		return p
	}
	return modeProfiles[ModeStandard]
}

// ChatTurn is one prior exchange in the conversation.
type ChatTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is one retrieval run.
type Request struct {
	Query        string     `json:"query"`
	OrgID        string     `json:"orgId"`
	UserID       string     `json:"userId"`
	ModelKey     string     `json:"modelKey,omitempty"`
	ModelName    string     `json:"modelName,omitempty"`
	Mode         Mode       `json:"mode,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	FilterGroups []string   `json:"filterGroups,omitempty"`
	History      []ChatTurn `json:"history,omitempty"`
}

// Citation is one resolved reference in the final answer.
type Citation struct {
	BlockNumber     string `json:"blockNumber"`
	VirtualRecordID string `json:"virtualRecordId"`
	RecordKey       string `json:"recordKey,omitempty"`
	RecordName      string `json:"recordName,omitempty"`
	WebURL          string `json:"webUrl,omitempty"`
	Content         string `json:"content,omitempty"`
}

// Answer is the final response of a retrieval run.
type Answer struct {
	Answer          string     `json:"answer"`
	Reason          string     `json:"reason,omitempty"`
	Confidence      string     `json:"confidence,omitempty"`
	AnswerMatchType string     `json:"answerMatchType,omitempty"`
	BlockNumbers    []string   `json:"blockNumbers,omitempty"`
	Citations       []Citation `json:"citations,omitempty"`
}

// Frame is one event on the caller's stream.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Sink receives stream frames; a nil sink discards them.
type Sink func(Frame)

// Status values emitted as the pipeline advances.
const (
	StatusStarted      = "started"
	StatusTransforming = "transforming"
	StatusAnalyzing    = "analyzing"
	StatusSearching    = "searching"
	StatusProcessing   = "processing"
	StatusRanking      = "ranking"
	StatusRetrieving   = "retrieving"
)

func statusFrame(status, message string) Frame {
	data, _ := json.Marshal(map[string]string{"status": status, "message": message})
	return Frame{Event: "status", Data: data}
}

func errorFrame(message string) Frame {
	data, _ := json.Marshal(map[string]string{"message": message})
	return Frame{Event: "error", Data: data}
}

// RecordResolver loads the full record behind a virtual record id. The blob
// transformer satisfies this through the mapping store.
type RecordResolver interface {
	ResolveRecord(ctx context.Context, virtualRecordID string) (*domain.Record, error)
}
