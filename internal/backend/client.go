package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/servimatch/internal/cache"
	"github.com/example/servimatch/internal/models"
)

// NearbyTTL keeps provider lists fresh but survives the refresh cadence.
const NearbyTTL = 30 * time.Second

// Client talks to the marketplace REST API. All calls are opaque: JSON in,
// JSON out, error on any non-2xx status.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Cache   *cache.Cache // optional; memoizes nearby-provider reads
}

func NewClient(baseURL string, c *cache.Cache) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
		Cache:   c,
	}
}

func (c *Client) CreateRequest(ctx context.Context, req models.ServiceRequest) (models.RequestAck, error) {
	var ack models.RequestAck
	err := c.post(ctx, "/api/v1/services/request", req, &ack)
	return ack, err
}

// NearbyProviders lists providers around loc, memoized through the cache
// so rapid refreshes don't hammer the discovery endpoint.
func (c *Client) NearbyProviders(ctx context.Context, loc models.Coord, category models.ServiceCategory) ([]models.Provider, error) {
	fetch := func(ctx context.Context) (any, error) {
		var out struct {
			Providers []models.Provider `json:"providers"`
		}
		path := fmt.Sprintf("/api/v1/services/nearby?lat=%.6f&lon=%.6f&category=%s", loc.Lat, loc.Lon, category)
		if err := c.get(ctx, path, &out); err != nil {
			return nil, err
		}
		return out.Providers, nil
	}
	if c.Cache == nil {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]models.Provider), nil
	}
	key := fmt.Sprintf("nearby:%.4f:%.4f:%s", loc.Lat, loc.Lon, category)
	v, err := c.Cache.GetOrFetch(ctx, key, fetch, cache.Options{TTL: NearbyTTL})
	if err != nil {
		return nil, err
	}
	return coerceProviders(v)
}

func (c *Client) AcceptRequest(ctx context.Context, serviceID string) error {
	return c.post(ctx, "/api/v1/services/"+serviceID+"/accept", nil, nil)
}

func (c *Client) RejectRequest(ctx context.Context, serviceID string) error {
	return c.post(ctx, "/api/v1/services/"+serviceID+"/reject", nil, nil)
}

func (c *Client) UpdateStatus(ctx context.Context, serviceID string, status models.State) error {
	body := map[string]string{"status": status.String()}
	return c.put(ctx, "/api/v1/services/"+serviceID+"/status", body, nil)
}

func (c *Client) UpdateLocation(ctx context.Context, loc models.Coord) error {
	return c.put(ctx, "/api/v1/users/location", loc, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) put(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPut, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// coerceProviders recovers the typed slice from a cache value. Entries
// promoted from durable storage come back as decoded JSON, so they take
// the marshal round-trip.
func coerceProviders(v any) ([]models.Provider, error) {
	if ps, ok := v.([]models.Provider); ok {
		return ps, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var ps []models.Provider
	if err := json.Unmarshal(b, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}
