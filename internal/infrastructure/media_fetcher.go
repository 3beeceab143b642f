package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/interfaces"
)

// maxMediaBytes bounds a single download.
const maxMediaBytes = 20 << 20

var ErrMediaUnavailable = errors.New("media unavailable")

// downloadMedia GETs rawURL with an optional bearer token and returns the body.
func downloadMedia(ctx context.Context, client *http.Client, rawURL, bearer string) (*interfaces.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", ErrMediaUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrMediaUnavailable, maxMediaBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return &interfaces.Media{Data: data, ContentType: contentType}, nil
}

// HTTPMediaFetcher downloads from the generic content endpoint {base}/{media id}/content.
type HTTPMediaFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPMediaFetcher(baseURL string, timeout time.Duration) *HTTPMediaFetcher {
	return &HTTPMediaFetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPMediaFetcher) Fetch(ctx context.Context, owner *entities.Owner, image entities.ImagePayload) (*interfaces.Media, error) {
	if f.baseURL == "" {
		return nil, fmt.Errorf("%w: no media base URL configured", ErrMediaUnavailable)
	}
	if image.MediaID == "" {
		return nil, fmt.Errorf("%w: empty media id", ErrMediaUnavailable)
	}
	target := fmt.Sprintf("%s/%s/content", f.baseURL, url.PathEscape(image.MediaID))
	return downloadMedia(ctx, f.client, target, owner.AccessToken)
}

// PlatformMediaFetcher routes a fetch to the owner's platform. Bytes already attached
// to the payload by the event source win over any network fetch.
type PlatformMediaFetcher struct {
	fetchers map[entities.Platform]interfaces.MediaFetcher
	timeout  time.Duration
}

func NewPlatformMediaFetcher(timeout time.Duration) *PlatformMediaFetcher {
	return &PlatformMediaFetcher{
		fetchers: make(map[entities.Platform]interfaces.MediaFetcher),
		timeout:  timeout,
	}
}

func (p *PlatformMediaFetcher) Register(platform entities.Platform, fetcher interfaces.MediaFetcher) {
	p.fetchers[platform] = fetcher
}

func (p *PlatformMediaFetcher) Fetch(ctx context.Context, owner *entities.Owner, image entities.ImagePayload) (*interfaces.Media, error) {
	if len(image.Data) > 0 {
		contentType := image.MimeType
		if contentType == "" {
			contentType = http.DetectContentType(image.Data)
		}
		return &interfaces.Media{Data: image.Data, ContentType: contentType}, nil
	}

	fetcher, ok := p.fetchers[owner.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: no fetcher for platform %s", ErrMediaUnavailable, owner.Platform)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return fetcher.Fetch(ctx, owner, image)
}
