package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "kortex-backend/internal/errors"
)

func TestHTTPSearchService_Search(t *testing.T) {
	var got searchRequestBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/search", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(searchResponseBody{Blocks: []Block{
			{VirtualRecordID: "vr-1", BlockIndex: 0, Content: "hello", BlockType: "text"},
		}})
	}))
	defer server.Close()

	svc := NewHTTPSearchService(server.URL, "sk-test", time.Second, zap.NewNop())
	blocks, err := svc.Search(context.Background(), SearchQuery{
		Queries: []string{"q1", "q2"},
		OrgID:   "org-1",
		UserID:  "u-1",
		Limit:   40,
	})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "vr-1", blocks[0].VirtualRecordID)
	assert.Equal(t, []string{"q1", "q2"}, got.Queries)
	assert.Equal(t, 40, got.Limit)
}

func TestHTTPSearchService_RerankMissingEndpointPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	svc := NewHTTPSearchService(server.URL, "", time.Second, zap.NewNop())
	in := []Block{{VirtualRecordID: "vr-1"}, {VirtualRecordID: "vr-2"}}
	out, err := svc.Rerank(context.Background(), "query", in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHTTPSearchService_AuthFailureIsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	svc := NewHTTPSearchService(server.URL, "", time.Second, zap.NewNop())
	_, err := svc.Search(context.Background(), SearchQuery{Queries: []string{"q"}, Limit: 10})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPermissionDenied, apperrors.KindOf(err))
	assert.Equal(t, 1, calls)
}
