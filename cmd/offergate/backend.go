package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offergate/internal/offer"
	"offergate/internal/reconcile"
	"offergate/pkg/logx"
)

// backendClient is a thin JSON client for the dispatch backend's two
// queries. Resilience (timeouts come from the reconcile engine, the
// circuit breaker wraps this client) lives outside.
type backendClient struct {
	base string
	http *http.Client
	log  logx.Logger
}

func newBackendClient(base string, log logx.Logger) *backendClient {
	return &backendClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
		log:  log,
	}
}

type activeOffersResponse struct {
	Offers     []offer.Offer `json:"offers"`
	SyncCursor string        `json:"sync_cursor"`
	ServerTS   int64         `json:"server_ts"` // unix millis
	Partial    bool          `json:"partial"`
}

func (c *backendClient) FetchActive(ctx context.Context, force bool, cursor string) (reconcile.Result, error) {
	q := url.Values{}
	if force {
		q.Set("force", "1")
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp activeOffersResponse
	if err := c.getJSON(ctx, "/offers/active?"+q.Encode(), &resp); err != nil {
		return reconcile.Result{}, err
	}
	res := reconcile.Result{
		Offers:     resp.Offers,
		SyncCursor: resp.SyncCursor,
		Partial:    resp.Partial,
	}
	if resp.ServerTS > 0 {
		res.ServerTime = time.UnixMilli(resp.ServerTS)
	}
	return res, nil
}

func (c *backendClient) FetchByID(ctx context.Context, id string) (offer.Offer, error) {
	var o offer.Offer
	if err := c.getJSON(ctx, "/offers/"+url.PathEscape(id), &o); err != nil {
		return offer.Offer{}, err
	}
	return o, nil
}

func (c *backendClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
