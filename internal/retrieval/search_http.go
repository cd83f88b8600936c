package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/retry"
)

// HTTPSearchService talks to the semantic search backend over its REST
// surface. It serves both the search and the rerank stages; when the backend
// has no rerank endpoint configured, Rerank returns the blocks unchanged.
type HTTPSearchService struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	retryCfg retry.Config
	logger   *zap.Logger
}

var (
	_ SearchService = (*HTTPSearchService)(nil)
	_ Reranker      = (*HTTPSearchService)(nil)
)

// NewHTTPSearchService creates a client for the search backend at baseURL.
func NewHTTPSearchService(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPSearchService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSearchService{
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		retryCfg: retry.DefaultConfig(),
		logger:   logger,
	}
}

type searchRequestBody struct {
	Queries      []string `json:"queries"`
	OrgID        string   `json:"orgId"`
	UserID       string   `json:"userId"`
	Limit        int      `json:"limit"`
	FilterGroups []string `json:"filterGroups,omitempty"`
}

type searchResponseBody struct {
	Blocks []Block `json:"blocks"`
}

// Search runs a permission-filtered block search.
func (s *HTTPSearchService) Search(ctx context.Context, query SearchQuery) ([]Block, error) {
	body := searchRequestBody{
		Queries:      query.Queries,
		OrgID:        query.OrgID,
		UserID:       query.UserID,
		Limit:        query.Limit,
		FilterGroups: query.FilterGroups,
	}
	var resp searchResponseBody
	if err := s.doJSON(ctx, s.baseURL+"/api/v1/search", body, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

type rerankRequestBody struct {
	Query  string  `json:"query"`
	Blocks []Block `json:"blocks"`
}

// Rerank reorders blocks by relevance to the query.
func (s *HTTPSearchService) Rerank(ctx context.Context, query string, blocks []Block) ([]Block, error) {
	if len(blocks) == 0 {
		return blocks, nil
	}
	var resp searchResponseBody
	err := s.doJSON(ctx, s.baseURL+"/api/v1/rerank", rerankRequestBody{Query: query, Blocks: blocks}, &resp)
	if err != nil {
		// Reranking is an ordering refinement; a missing endpoint must not
		// fail the whole retrieval.
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return blocks, nil
		}
		return nil, err
	}
	return resp.Blocks, nil
}

func (s *HTTPSearchService) doJSON(ctx context.Context, url string, body, target interface{}) error {
	return retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.once(ctx, url, body, target)
	})
}

func (s *HTTPSearchService) once(ctx context.Context, url string, body, target interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(apperrors.KindFatal, "search.request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(apperrors.KindFatal, "search.request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "search.request", err)
	}
	defer resp.Body.Close()

	if err := classifySearchStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return apperrors.Wrap(apperrors.KindIntegrity, "search.request", err)
	}
	return nil
}

func classifySearchStatus(status int) error {
	const op = "search.request"
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.KindNotFound, op, "endpoint not found")
	case status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.KindRateLimited, op, "search backend throttled")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.New(apperrors.KindPermissionDenied, op, fmt.Sprintf("status %d", status))
	case status >= 500:
		return apperrors.New(apperrors.KindTransient, op, fmt.Sprintf("status %d", status))
	default:
		return apperrors.New(apperrors.KindFatal, op, fmt.Sprintf("status %d", status))
	}
}
