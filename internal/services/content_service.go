// internal/services/content_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/artledger/provenance-backend/internal/config"
	"github.com/artledger/provenance-backend/internal/metadata"
	"github.com/artledger/provenance-backend/internal/models"
)

// ContentService publishes metadata documents to the content-addressed
// store and verifies that published content is fetchable and intact
// across the configured gateways. Publish never retries; retry policy
// belongs to the caller, which knows whether this is a first publish or
// a re-publish after a verification failure.
type ContentService struct {
	config  *config.Config
	client  *http.Client
	limiter *rate.Limiter
}

type pinRequest struct {
	PinataContent  json.RawMessage `json:"pinataContent"`
	PinataMetadata pinMetadata     `json:"pinataMetadata"`
}

type pinMetadata struct {
	Name string `json:"name"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

func NewContentService(cfg *config.Config) *ContentService {
	return &ContentService{
		config: cfg,
		client: &http.Client{Timeout: cfg.ContentStore.FetchTimeoutDuration()},
		// Gateway polls are paced so verification loops cannot hammer a
		// rate-limited mirror.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
	}
}

// Publish uploads a frozen document and returns its content id plus the
// gateway URIs it will be served from. Network and auth failures are
// both StoreUnavailable: the caller may retry either.
func (s *ContentService) Publish(ctx context.Context, doc metadata.Document, name string) (*models.PublishedContent, error) {
	body, err := json.Marshal(pinRequest{
		PinataContent:  json.RawMessage(doc.Bytes),
		PinataMetadata: pinMetadata{Name: name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pin request: %w", err)
	}

	url := strings.TrimRight(s.config.ContentStore.APIBaseURL, "/") + "/pinning/pinJSONToIPFS"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.ContentStore.APIToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, models.StoreUnavailable("publish", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, models.StoreUnavailable("publish",
			fmt.Errorf("pin API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var pinned pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
		return nil, models.StoreUnavailable("publish", fmt.Errorf("malformed pin API response: %w", err))
	}
	if pinned.IpfsHash == "" {
		return nil, models.StoreUnavailable("publish", fmt.Errorf("pin API response carried no content id"))
	}

	logrus.WithFields(logrus.Fields{
		"content_id": pinned.IpfsHash,
		"name":       name,
		"size":       len(doc.Bytes),
	}).Info("Published metadata document")

	return &models.PublishedContent{
		ContentID: pinned.IpfsHash,
		Digest:    doc.Digest,
		URI:       s.GatewayURI(s.config.ContentStore.GatewayURLs[0], pinned.IpfsHash),
		Gateways:  s.config.ContentStore.GatewayURLs,
	}, nil
}

// Verify re-fetches published content through the gateways until the
// digest matches, the budget runs out, or a mismatch proves the stored
// bytes are corrupt. A mismatch is terminal and reported immediately;
// unreachable gateways are a propagation delay and polled with the
// configured interval until maxWait elapses.
func (s *ContentService) Verify(ctx context.Context, contentID, expectedDigest string, maxWait, pollInterval time.Duration) error {
	deadline := time.Now().Add(maxWait)
	var lastErr error

	for {
		for _, gateway := range s.config.ContentStore.GatewayURLs {
			if err := s.limiter.Wait(ctx); err != nil {
				return models.ContentUnreachable("verify", err)
			}

			body, err := s.fetch(ctx, gateway, contentID)
			if err != nil {
				lastErr = err
				continue
			}

			// Fast path: the gateway served the exact published bytes.
			if metadata.DigestOf(body) == expectedDigest {
				return nil
			}

			// Some gateways reformat JSON; canonicalize before deciding
			// the content is actually corrupt.
			canonical, err := metadata.CanonicalDigest(body)
			if err != nil {
				lastErr = fmt.Errorf("gateway %s served non-JSON content: %w", gateway, err)
				continue
			}
			if canonical == expectedDigest {
				return nil
			}

			return models.DigestMismatch("verify", expectedDigest, canonical)
		}

		if time.Now().After(deadline) {
			if lastErr == nil {
				lastErr = fmt.Errorf("content %s not visible on any gateway", contentID)
			}
			return models.ContentUnreachable("verify", lastErr)
		}

		select {
		case <-ctx.Done():
			return models.ContentUnreachable("verify", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// VerifyPublished applies the configured wait budget to a publish result.
func (s *ContentService) VerifyPublished(ctx context.Context, content *models.PublishedContent) error {
	return s.Verify(ctx, content.ContentID, content.Digest,
		s.config.ContentStore.VerifyWaitDuration(), s.config.ContentStore.VerifyPollDuration())
}

func (s *ContentService) fetch(ctx context.Context, gateway, contentID string) ([]byte, error) {
	url := s.GatewayURI(gateway, contentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway %s returned %d for %s", gateway, resp.StatusCode, contentID)
	}

	return io.ReadAll(resp.Body)
}

func (s *ContentService) GatewayURI(gateway, contentID string) string {
	return strings.TrimRight(gateway, "/") + "/" + contentID
}
