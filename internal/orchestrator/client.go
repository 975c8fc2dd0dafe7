// Package orchestrator implements the thin HTTP and CLI wrappers over the
// external job orchestrator's rerun endpoints (§4.1, §4.2), plus the
// error taxonomy (§7/§11) the worker/executor branch on.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opsdeck/reprocessor/internal/cachemanager"
	"github.com/opsdeck/reprocessor/internal/log"
	"github.com/opsdeck/reprocessor/internal/tracing"
)

// noopTracer is used when NewClient is given a nil Provider (e.g. in
// tests), so callers never need a nil check before starting a span.
var noopTracer, _ = tracing.NewProvider(tracing.Config{Enabled: false})

// JobInfo is the parsed response of a job_info call. The orchestrator's
// actual response shape is free-form JSON; callers that need specific
// fields decode Raw themselves.
type JobInfo struct {
	Raw map[string]any
}

// RerunResult is the parsed (or synthesized) response of a rerun call.
type RerunResult struct {
	Raw map[string]any
}

// jobInfoArgs is the ReadThroughCache input for a job_info fetch: the
// compute function needs both the base URL and job ID, but the cache key
// is their concatenation (see jobInfoCacheKey), so the two travel
// together rather than as a lone string.
type jobInfoArgs struct {
	baseURL string
	jobID   string
}

// Client issues job_info/rerun calls against the external orchestrator.
type Client struct {
	httpClient *http.Client
	tracer     *tracing.Provider
	jobInfoTTL time.Duration
	jobInfo    *cachemanager.ReadThroughCache[string, JobInfo, jobInfoArgs]
}

// NewClient builds a Client with the given HTTP timeout and an optional
// tracer (nil falls back to a no-op provider, so callers never pay for a
// nil check before starting a span).
func NewClient(httpTimeout time.Duration, tracer *tracing.Provider) *Client {
	if tracer == nil {
		tracer = noopTracer
	}
	c := &Client{
		httpClient: &http.Client{Timeout: httpTimeout},
		tracer:     tracer,
		jobInfoTTL: cachemanager.DefaultExpiration,
	}
	cache := cachemanager.NewInMemoryCacheManager[string, JobInfo]("job_info", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	c.jobInfo = cachemanager.NewReadThroughCache[string, JobInfo, jobInfoArgs](cache, c.fetchJobInfo, false)
	return c
}

func jobInfoCacheKey(baseURL, jobID string) string {
	return baseURL + "|" + jobID
}

// JobInfo issues GET {base}/v2/job/{id}?show=info and returns the parsed
// JSON body, serving from cache when a fresh-enough entry exists. Fails
// with *TransportError on timeout/network error, *HTTPError on non-2xx.
func (c *Client) JobInfo(ctx context.Context, baseURL, jobID string) (JobInfo, error) {
	log.Debug(log.CatOrch, "job_info requested", "base_url", baseURL, "job_id", jobID)
	return c.jobInfo.Get(ctx, jobInfoCacheKey(baseURL, jobID), jobInfoArgs{baseURL: baseURL, jobID: jobID}, c.jobInfoTTL)
}

// fetchJobInfo is the ReadThroughCache compute function behind JobInfo: it
// always hits the orchestrator, leaving caching entirely to the wrapper.
func (c *Client) fetchJobInfo(ctx context.Context, args jobInfoArgs) (JobInfo, error) {
	baseURL, jobID := args.baseURL, args.jobID

	ctx, span := c.tracer.Tracer().Start(ctx, "orchestrator.job_info")
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrOozieURL, baseURL),
		attribute.String(tracing.AttrTaskJobID, jobID),
	)

	reqURL := fmt.Sprintf("%s/v2/job/%s?show=info", strings.TrimRight(baseURL, "/"), url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return JobInfo{}, &InvalidArgumentError{Reason: fmt.Sprintf("building job_info request: %v", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.ErrorErr(log.CatOrch, "job_info transport error", err, "base_url", baseURL, "job_id", jobID)
		return JobInfo{}, &TransportError{Op: "job_info", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int(tracing.AttrHTTPStatus, resp.StatusCode))
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &HTTPError{Op: "job_info", StatusCode: resp.StatusCode, Body: string(body)}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return JobInfo{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return JobInfo{}, fmt.Errorf("parsing job_info response: %w", err)
	}

	return JobInfo{Raw: raw}, nil
}

// Rerun issues PUT {base}/v2/job/{id}?action=rerun&... with an optional
// XML configuration body, per §4.1.
func (c *Client) Rerun(ctx context.Context, baseURL, jobID string, conf map[string]string, params map[string]string) (RerunResult, error) {
	log.Debug(log.CatOrch, "rerun requested", "base_url", baseURL, "job_id", jobID)

	if _, overridden := params["action"]; overridden {
		return RerunResult{}, &InvalidArgumentError{Reason: "params must not override action"}
	}

	ctx, span := c.tracer.Tracer().Start(ctx, "orchestrator.rerun")
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrOozieURL, baseURL),
		attribute.String(tracing.AttrTaskJobID, jobID),
	)

	query := url.Values{}
	query.Set("action", "rerun")
	for k, v := range params {
		query.Set(k, v)
	}

	reqURL := fmt.Sprintf("%s/v2/job/%s?%s", strings.TrimRight(baseURL, "/"), url.PathEscape(jobID), query.Encode())

	var body io.Reader
	contentType := ""
	if len(conf) > 0 {
		xmlBody, err := renderConfigurationXML(conf)
		if err != nil {
			return RerunResult{}, fmt.Errorf("rendering configuration xml: %w", err)
		}
		body = bytes.NewReader(xmlBody)
		contentType = "application/xml"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, reqURL, body)
	if err != nil {
		return RerunResult{}, &InvalidArgumentError{Reason: fmt.Sprintf("building rerun request: %v", err)}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.ErrorErr(log.CatOrch, "rerun transport error", err, "base_url", baseURL, "job_id", jobID)
		return RerunResult{}, &TransportError{Op: "rerun", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int(tracing.AttrHTTPStatus, resp.StatusCode))
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &HTTPError{Op: "rerun", StatusCode: resp.StatusCode, Body: string(respBody)}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RerunResult{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(respBody, &raw); err != nil {
		// Non-JSON 2xx response: synthesize a submitted status per §4.1.
		return RerunResult{Raw: map[string]any{"status": "submitted"}}, nil
	}
	return RerunResult{Raw: raw}, nil
}

// configurationXML mirrors Oozie's <configuration><property>... document.
type configurationXML struct {
	XMLName    xml.Name         `xml:"configuration"`
	Properties []propertyXML    `xml:"property"`
}

type propertyXML struct {
	Name  string `xml:"name"`
	Value string `xml:"value"`
}

// renderConfigurationXML renders conf as an XML <configuration> document
// with keys in lexicographic order, so the same conf always renders the
// same bytes (mirrors the -D argv ordering rule in §4.2).
func renderConfigurationXML(conf map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(conf))
	for k := range conf {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := configurationXML{}
	for _, k := range keys {
		doc.Properties = append(doc.Properties, propertyXML{Name: k, Value: conf[k]})
	}
	return xml.Marshal(doc)
}
