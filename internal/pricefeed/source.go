package pricefeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Source is a single upstream price provider. The aggregator walks an ordered
// list of these until one returns a usable price.
type Source interface {
	Name() string
	Fetch(ctx context.Context, assetID string) (float64, error)
}

// HTTPSource fetches prices from a JSON HTTP endpoint. The URL is a template
// with {asset} substituted per call, and PricePath is a gjson path into the
// response body, so one type covers differently-shaped venues.
type HTTPSource struct {
	name      string
	urlTmpl   string
	pricePath string
	client    *http.Client
}

func NewHTTPSource(name, urlTmpl, pricePath string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		name:      name,
		urlTmpl:   urlTmpl,
		pricePath: pricePath,
		client:    &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, assetID string) (float64, error) {
	url := strings.ReplaceAll(s.urlTmpl, "{asset}", assetID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("source %s: status %d", s.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}

	result := gjson.GetBytes(body, s.pricePath)
	if !result.Exists() {
		return 0, fmt.Errorf("source %s: no value at %q", s.name, s.pricePath)
	}

	price := result.Float()
	if price <= 0 {
		return 0, fmt.Errorf("source %s: non-positive price %v", s.name, price)
	}

	return price, nil
}
