package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/retry"
)

// HTTPService talks to the document service over its REST surface. A circuit
// breaker in front of the service stops hammering it while it is down;
// transient failures inside the window are retried with backoff.
type HTTPService struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	retryCfg retry.Config
	logger   *zap.Logger
}

var _ Service = (*HTTPService)(nil)

// NewHTTPService creates a client for the document service at baseURL.
func NewHTTPService(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "blob-service",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("blob service circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &HTTPService{
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		breaker:  breaker,
		retryCfg: retry.DefaultConfig(),
		logger:   logger,
	}
}

// CreatePlaceholder allocates a document and returns its id.
func (s *HTTPService) CreatePlaceholder(ctx context.Context, meta PlaceholderMetadata) (string, error) {
	var resp struct {
		ID string `json:"_id"`
	}
	err := s.doJSON(ctx, http.MethodPost, s.baseURL+"/api/v1/documents/placeholder", meta, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", apperrors.New(apperrors.KindBlob, "blob.CreatePlaceholder", "service returned no document id")
	}
	return resp.ID, nil
}

// DirectUpload opens a signed upload URL for the document.
func (s *HTTPService) DirectUpload(ctx context.Context, documentID, virtualRecordID string) (string, error) {
	body := map[string]string{"virtualRecordId": virtualRecordID}
	var resp struct {
		SignedURL string `json:"signedUrl"`
	}
	url := fmt.Sprintf("%s/api/v1/documents/%s/direct-upload", s.baseURL, documentID)
	if err := s.doJSON(ctx, http.MethodPost, url, body, &resp); err != nil {
		return "", err
	}
	if resp.SignedURL == "" {
		return "", apperrors.New(apperrors.KindBlob, "blob.DirectUpload", "service returned no signed url")
	}
	return resp.SignedURL, nil
}

// Put uploads the body to a signed URL.
func (s *HTTPService) Put(ctx context.Context, signedURL string, body []byte) error {
	return retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, bytes.NewReader(body))
		if err != nil {
			return apperrors.Wrap(apperrors.KindBlob, "blob.Put", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return apperrors.Wrap(apperrors.KindTransient, "blob.Put", err)
		}
		defer resp.Body.Close()
		return classifyStatus("blob.Put", resp.StatusCode)
	})
}

// Get fetches the body behind a signed URL.
func (s *HTTPService) Get(ctx context.Context, signedURL string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
		if err != nil {
			return apperrors.Wrap(apperrors.KindBlob, "blob.Get", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return apperrors.Wrap(apperrors.KindTransient, "blob.Get", err)
		}
		defer resp.Body.Close()
		if err := classifyStatus("blob.Get", resp.StatusCode); err != nil {
			return err
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.Wrap(apperrors.KindTransient, "blob.Get", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Download fetches the document content or the signed-URL redirect form.
func (s *HTTPService) Download(ctx context.Context, documentID string) (*DownloadResult, error) {
	var result DownloadResult
	url := fmt.Sprintf("%s/api/v1/documents/%s/download", s.baseURL, documentID)
	if err := s.doJSON(ctx, http.MethodGet, url, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// doJSON performs one JSON request through the breaker with retries.
func (s *HTTPService) doJSON(ctx context.Context, method, url string, body, target interface{}) error {
	return retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.once(ctx, method, url, body, target)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apperrors.Wrap(apperrors.KindTransient, "blob.request", err)
		}
		return err
	})
}

func (s *HTTPService) once(ctx context.Context, method, url string, body, target interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.KindBlob, "blob.request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.KindBlob, "blob.request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "blob.request", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("blob.request", resp.StatusCode); err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return apperrors.Wrap(apperrors.KindBlob, "blob.request", err)
	}
	return nil
}

func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.KindNotFound, op, "document not found")
	case status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.KindRateLimited, op, "document service throttled")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.New(apperrors.KindPermissionDenied, op, fmt.Sprintf("status %d", status))
	case status >= 500:
		return apperrors.New(apperrors.KindTransient, op, fmt.Sprintf("status %d", status))
	default:
		return apperrors.New(apperrors.KindBlob, op, fmt.Sprintf("status %d", status))
	}
}
