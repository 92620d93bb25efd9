// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trinoclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/trinolbcore"
	"trino-lb/internal/trinolb/trinolberr"
)

// Client issues the four statement-protocol calls trino-lb needs against a
// single Trino coordinator. One Client is constructed per Cluster.
type Client struct {
	httpClient *http.Client
	endpoint   string
	creds      trinolbcore.Credentials
	attempts   uint
}

// New returns a Client talking to a coordinator at endpoint. attempts is the
// total number of tries (the first included) for each Submit/Follow call,
// retried on any error except a failure to build the request; 0 or 1 means
// a single try.
func New(endpoint string, creds trinolbcore.Credentials, insecureTLS bool, attempts uint) *Client {
	transport := http.DefaultTransport
	if insecureTLS {
		transport = insecureTransport()
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		endpoint:   strings.TrimRight(endpoint, "/"),
		creds:      creds,
		attempts:   attempts,
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader, headers http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.creds.User != "" {
		req.SetBasicAuth(c.creds.User, c.creds.Password)
	}
	req.Header.Set("X-Trino-User", firstOr(req.Header.Get("X-Trino-User"), c.creds.User))
	log.WithFields(log.Fields{"method": method, "url": url, "headers": trinolbcore.SanitizeHeaders(req.Header)}).
		Debug("trino-lb: issuing upstream request")
	return req, nil
}

func firstOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// Submit issues POST /v1/statement against the coordinator with the given
// statement text and passthrough headers.
func (c *Client) Submit(ctx context.Context, statement string, headers http.Header) (*StatementResponse, error) {
	var resp *StatementResponse
	op := func() error {
		req, err := c.newRequest(ctx, http.MethodPost, c.endpoint+"/v1/statement", strings.NewReader(statement), headers)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "text/plain; charset=UTF-8")
		r, err := c.doJSON(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := c.retry(op); err != nil {
		return nil, trinolberr.Wrap(trinolberr.KindTrinoSubmission, "submit", err)
	}
	return resp, nil
}

// Follow issues GET against a statement-protocol nextUri (either one Trino
// gave us, or one this client previously rewrote).
func (c *Client) Follow(ctx context.Context, nextURI string, headers http.Header) (*StatementResponse, error) {
	var resp *StatementResponse
	op := func() error {
		req, err := c.newRequest(ctx, http.MethodGet, nextURI, nil, headers)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		r, err := c.doJSON(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := c.retry(op); err != nil {
		return nil, trinolberr.Wrap(trinolberr.KindTrinoProxy, "follow", err)
	}
	return resp, nil
}

// Cancel issues DELETE against the query's protocol URI. Best-effort: the
// caller releases its accounting regardless of the outcome.
func (c *Client) Cancel(ctx context.Context, trinoQueryID string) error {
	url := fmt.Sprintf("%s/v1/statement/%s", c.endpoint, trinoQueryID)
	req, err := c.newRequest(ctx, http.MethodDelete, url, nil, nil)
	if err != nil {
		return trinolberr.Wrap(trinolberr.KindTrinoProxy, "cancel", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).WithField("trino_query_id", trinoQueryID).Warn("best-effort cancel failed")
		return nil
	}
	defer resp.Body.Close()
	return nil
}

// Explain runs EXPLAIN (FORMAT JSON) <statement> against the coordinator and
// sums CPU/memory/network/row/size cost estimates over every plan stage, not
// just the root's immediate children, per the original cost model.
func (c *Client) Explain(ctx context.Context, statement string, headers http.Header) (CostEstimate, error) {
	explainStatement := "EXPLAIN (FORMAT JSON) " + statement
	resp, err := c.Submit(ctx, explainStatement, headers)
	if err != nil {
		return CostEstimate{}, err
	}

	for resp.NextURI != "" && !resp.Stats.IsTerminal() {
		resp, err = c.Follow(ctx, resp.NextURI, headers)
		if err != nil {
			return CostEstimate{}, err
		}
	}
	if resp.Stats.State != "FINISHED" || len(resp.Data) == 0 {
		return CostEstimate{}, trinolberr.Wrap(trinolberr.KindTrinoProxy, "explain", fmt.Errorf("explain did not finish: state=%s", resp.Stats.State))
	}

	var rows [][]string
	if err := json.Unmarshal(resp.Data, &rows); err != nil || len(rows) == 0 || len(rows[0]) == 0 {
		return CostEstimate{}, trinolberr.Wrap(trinolberr.KindProtocol, "explain", fmt.Errorf("unexpected EXPLAIN data shape"))
	}

	var root planNode
	if err := json.Unmarshal([]byte(rows[0][0]), &root); err != nil {
		return CostEstimate{}, trinolberr.Wrap(trinolberr.KindProtocol, "explain", err)
	}
	return sumPlanCosts(root), nil
}

func (c *Client) doJSON(req *http.Request) (*StatementResponse, error) {
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("trino returned %d: %s", httpResp.StatusCode, string(body))
	}

	var resp StatementResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, trinolberr.Wrap(trinolberr.KindProtocol, "decode statement response", err)
	}
	return &resp, nil
}

func (c *Client) retry(op retry.RetryableFunc) error {
	if c.attempts == 0 {
		return op()
	}
	return retry.Do(op,
		retry.Attempts(c.attempts),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// RewriteNextURI replaces the host/scheme of a Trino-issued nextUri with
// trinoLBAddr, keeping the path unchanged, so the client's next poll is
// routed back through trino-lb rather than directly at the coordinator.
func RewriteNextURI(nextURI, trinoLBAddr string) (string, error) {
	if nextURI == "" {
		return "", nil
	}
	trino, err := parseURL(trinoLBAddr)
	if err != nil {
		return "", err
	}
	orig, err := parseURL(nextURI)
	if err != nil {
		return "", err
	}
	trino.Path = orig.Path
	trino.RawQuery = orig.RawQuery
	return trino.String(), nil
}
