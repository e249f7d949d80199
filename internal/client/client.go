// Package client submits signed traffic records to a remote sentinel gate.
// Records are always signed locally; the private key never leaves the
// caller.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"sentinel-ids/internal/ml"
	"sentinel-ids/internal/secure"
	"sentinel-ids/internal/server"
	"sentinel-ids/internal/trust"
)

type Client struct {
	base string
	kp   *trust.KeyPair
	rest *resty.Client
}

// NewREST builds a client for the gate at base signing as kp.
func NewREST(base string, kp *trust.KeyPair, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	r.SetHeader("Content-Type", "application/json")
	return &Client{base: strings.TrimRight(base, "/"), kp: kp, rest: r}
}

// Submit signs payload and posts it to /v1/predict. A rejected signature
// is not an error: the returned Result has Trusted false.
func (c *Client) Submit(ctx context.Context, payload trust.Payload, model string) (secure.Result, error) {
	rec, err := trust.SignRecord(c.kp, payload)
	if err != nil {
		return secure.Result{}, err
	}
	return c.SubmitRecord(ctx, rec, model)
}

// SubmitRecord posts an already signed record.
func (c *Client) SubmitRecord(ctx context.Context, rec trust.SignedRecord, model string) (secure.Result, error) {
	var res secure.Result
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(server.SubmitRequest{SignedRecord: rec, Model: model}).
		SetResult(&res).
		SetError(&res).
		Post(c.base + "/v1/predict")
	if err != nil {
		return res, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return res, apiError(resp, res.Error)
	}
	return res, nil
}

// SubmitBatch signs every payload and posts them as one batch. Results
// come back in payload order.
func (c *Client) SubmitBatch(ctx context.Context, payloads []trust.Payload, model string) ([]secure.Result, error) {
	recs := make([]trust.SignedRecord, len(payloads))
	for i, p := range payloads {
		rec, err := trust.SignRecord(c.kp, p)
		if err != nil {
			return nil, fmt.Errorf("sign record %d: %w", i, err)
		}
		recs[i] = rec
	}

	var out server.BatchResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(server.BatchRequest{Records: recs, Model: model}).
		SetResult(&out).
		Post(c.base + "/v1/predict/batch")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp, "")
	}
	return out.Results, nil
}

// ModelInfo fetches the description of the served artifacts.
func (c *Client) ModelInfo(ctx context.Context) (server.ModelInfo, error) {
	var info server.ModelInfo
	resp, err := c.rest.R().SetContext(ctx).SetResult(&info).Get(c.base + "/v1/model")
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return info, apiError(resp, "")
	}
	return info, nil
}

// Health reports the gate's health. An unhealthy gate answers 503 with a
// body, which is returned alongside the error.
func (c *Client) Health(ctx context.Context) (server.Health, error) {
	var h server.Health
	resp, err := c.rest.R().SetContext(ctx).SetResult(&h).SetError(&h).Get(c.base + "/health")
	if err != nil {
		return h, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return h, apiError(resp, "")
	}
	return h, nil
}

// Reload asks the gate to reread its artifact directory. Reload and
// Rollback are only served on the gate's admin listener, so the client
// must be built with that base URL.
func (c *Client) Reload(ctx context.Context) (server.VersionResponse, error) {
	return c.manage(ctx, "/v1/model/reload")
}

// Rollback asks the gate to reinstall its previous artifact bundle.
func (c *Client) Rollback(ctx context.Context) (server.VersionResponse, error) {
	return c.manage(ctx, "/v1/model/rollback")
}

func (c *Client) manage(ctx context.Context, path string) (server.VersionResponse, error) {
	var v server.VersionResponse
	resp, err := c.rest.R().SetContext(ctx).SetResult(&v).SetError(&v).Post(c.base + path)
	if err != nil {
		return v, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return v, apiError(resp, v.Error)
	}
	return v, nil
}

// Versions lists the artifact bundles the gate retains, newest first.
func (c *Client) Versions(ctx context.Context) ([]ml.ArtifactVersion, error) {
	var out []ml.ArtifactVersion
	resp, err := c.rest.R().SetContext(ctx).SetResult(&out).Get(c.base + "/v1/model/versions")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp, "")
	}
	return out, nil
}

// Drift fetches the gate's input drift report.
func (c *Client) Drift(ctx context.Context) (server.DriftResponse, error) {
	var out server.DriftResponse
	resp, err := c.rest.R().SetContext(ctx).SetResult(&out).Get(c.base + "/v1/drift")
	if err != nil {
		return out, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return out, apiError(resp, "")
	}
	return out, nil
}

func apiError(resp *resty.Response, msg string) error {
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	return fmt.Errorf("API error: status %d: %s", resp.StatusCode(), msg)
}
