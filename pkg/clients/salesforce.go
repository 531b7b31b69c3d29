package clients

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ajitpratap0/tap-salesforce/pkg/auth"
	"github.com/ajitpratap0/tap-salesforce/pkg/connector/base"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/json"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
	"github.com/ajitpratap0/tap-salesforce/pkg/quota"
	"go.uber.org/zap"
)

const (
	// SessionHeader authenticates Bulk API v1 calls.
	SessionHeader = "X-SFDC-Session"

	bulkInvalidSession = "InvalidSessionId"
	maxErrorBody       = 2048
)

// CredentialSource hands out the current session and replaces rejected ones.
type CredentialSource interface {
	Credential(ctx context.Context) (auth.Credential, error)
	Renew(ctx context.Context, rejected auth.Credential) (auth.Credential, error)
}

// Request describes one Salesforce API call.
type Request struct {
	Method string
	// Path is either an instance-relative path ("/services/...") or an absolute URL.
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Headers     map[string]string
	// Bulk selects X-SFDC-Session authentication instead of a bearer token.
	Bulk bool
	// Endpoint labels metrics (query, bulk, describe, limits).
	Endpoint string
	Stream   string
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// APIClient sends authenticated requests with retry, session renewal and quota accounting.
type APIClient struct {
	http       *HTTPClient
	creds      CredentialSource
	governor   *quota.Governor
	retry      *base.RetryPolicy
	apiVersion string
	logger     *zap.Logger
}

// NewAPIClient wires the shared HTTP client to a credential source and quota governor.
// governor may be nil when no accounting is wanted.
func NewAPIClient(httpClient *HTTPClient, creds CredentialSource, governor *quota.Governor,
	retry *base.RetryPolicy, apiVersion string, logger *zap.Logger) *APIClient {
	if retry == nil {
		retry = base.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIClient{
		http:       httpClient,
		creds:      creds,
		governor:   governor,
		retry:      retry,
		apiVersion: apiVersion,
		logger:     logger.With(zap.String("component", "salesforce_client")),
	}
}

// APIVersion returns the version used in data and bulk paths.
func (c *APIClient) APIVersion() string { return c.apiVersion }

// DataPath returns the REST path for suffix, e.g. DataPath("/limits").
func (c *APIClient) DataPath(suffix string) string {
	return "/services/data/v" + c.apiVersion + suffix
}

// BulkPath returns the Bulk API v1 path for suffix, e.g. BulkPath("/job").
func (c *APIClient) BulkPath(suffix string) string {
	return "/services/async/" + c.apiVersion + suffix
}

// Do sends req and reads the whole response body.
func (c *APIClient) Do(ctx context.Context, req *Request) (*Response, error) {
	var out *Response
	err := c.retry.Execute(ctx, func() error {
		resp, err := c.send(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "reading response body")
		}
		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Open sends req and returns the unread body of a 2xx response. Retries cover
// obtaining the response only; the caller owns and must close the body.
func (c *APIClient) Open(ctx context.Context, req *Request) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.retry.Execute(ctx, func() error {
		resp, err := c.send(ctx, req)
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// send performs one attempt, renewing the session at most once if it was rejected.
func (c *APIClient) send(ctx context.Context, req *Request) (*http.Response, error) {
	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return nil, err
	}

	renewed := false
	for {
		resp, err := c.roundTrip(ctx, req, cred)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		apiErr := readAPIError(resp, req.Stream)
		if !sessionRejected(apiErr) {
			return nil, apiErr
		}
		if renewed {
			return nil, &errors.AuthenticationError{Reason: "session rejected after renewal: " + apiErr.Message, Body: apiErr.Body}
		}
		c.logger.Info("session rejected, renewing", zap.String("endpoint", req.Endpoint))
		if cred, err = c.creds.Renew(ctx, cred); err != nil {
			return nil, err
		}
		renewed = true
	}
}

func (c *APIClient) roundTrip(ctx context.Context, req *Request, cred auth.Credential) (*http.Response, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = strings.TrimRight(cred.InstanceURL, "/") + target
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "building request")
	}
	if req.Bulk {
		httpReq.Header.Set(SessionHeader, cred.AccessToken)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = "other"
	}

	if c.governor != nil {
		c.governor.RecordRequest()
	}
	timer := metrics.NewTimer()
	resp, err := c.http.Do(httpReq)
	timer.ObserveAPI(endpoint)
	if err != nil {
		metrics.APIRequests.WithLabelValues(endpoint, "error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("%s %s", method, req.Path))
	}
	metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if c.governor != nil {
		if err := c.governor.Observe(resp.Header.Get(quota.LimitInfoHeader)); err != nil {
			resp.Body.Close()
			return nil, err
		}
	}
	return resp, nil
}

func sessionRejected(e *errors.APIError) bool {
	return e.StatusCode == http.StatusUnauthorized ||
		e.ErrorCode == errors.CodeInvalidSession ||
		e.ErrorCode == bulkInvalidSession
}

func readAPIError(resp *http.Response, stream string) *errors.APIError {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &errors.APIError{StatusCode: resp.StatusCode, Stream: stream, Body: strings.TrimSpace(string(raw))}
	e.ErrorCode, e.Message = parseErrorBody(raw)
	return e
}

// parseErrorBody understands the REST error array and both Bulk API error envelopes.
func parseErrorBody(raw []byte) (code, message string) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", ""
	}

	switch trimmed[0] {
	case '[':
		var restErrs []struct {
			ErrorCode string `json:"errorCode"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(trimmed, &restErrs) == nil && len(restErrs) > 0 {
			return restErrs[0].ErrorCode, restErrs[0].Message
		}
	case '{':
		var bulkErr struct {
			ExceptionCode    string `json:"exceptionCode"`
			ExceptionMessage string `json:"exceptionMessage"`
			ErrorCode        string `json:"errorCode"`
			Message          string `json:"message"`
		}
		if json.Unmarshal(trimmed, &bulkErr) == nil {
			if bulkErr.ExceptionCode != "" {
				return bulkErr.ExceptionCode, bulkErr.ExceptionMessage
			}
			return bulkErr.ErrorCode, bulkErr.Message
		}
	case '<':
		var xmlErr struct {
			ExceptionCode    string `xml:"exceptionCode"`
			ExceptionMessage string `xml:"exceptionMessage"`
		}
		if xml.Unmarshal(trimmed, &xmlErr) == nil {
			return xmlErr.ExceptionCode, xmlErr.ExceptionMessage
		}
	}
	return "", ""
}

// QueryPage is one page of a REST query result.
type QueryPage struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

// Query runs soql through queryAll, which includes deleted and archived rows.
func (c *APIClient) Query(ctx context.Context, stream, soql string) (*QueryPage, error) {
	return c.queryPage(ctx, &Request{
		Path:     c.DataPath("/queryAll"),
		Query:    url.Values{"q": {soql}},
		Endpoint: "query",
		Stream:   stream,
	})
}

// QueryMore fetches the page behind a nextRecordsUrl.
func (c *APIClient) QueryMore(ctx context.Context, stream, nextRecordsURL string) (*QueryPage, error) {
	return c.queryPage(ctx, &Request{Path: nextRecordsURL, Endpoint: "query", Stream: stream})
}

func (c *APIClient) queryPage(ctx context.Context, req *Request) (*QueryPage, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	var page QueryPage
	if err := json.UnmarshalNumbers(resp.Body, &page); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decoding query page").WithDetail("stream", req.Stream)
	}
	return &page, nil
}

// DescribeField is the subset of a describe field the tap reads.
type DescribeField struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Calculated bool   `json:"calculated"`
	Compound   string `json:"compoundFieldName"`
}

// Describe is the subset of an sObject describe the tap reads.
type Describe struct {
	Name         string          `json:"name"`
	Queryable    bool            `json:"queryable"`
	Retrieveable bool            `json:"retrieveable"`
	Fields       []DescribeField `json:"fields"`
}

// Describe fetches the metadata of one sObject.
func (c *APIClient) Describe(ctx context.Context, object string) (*Describe, error) {
	resp, err := c.Do(ctx, &Request{
		Path:     c.DataPath("/sobjects/" + url.PathEscape(object) + "/describe"),
		Endpoint: "describe",
		Stream:   object,
	})
	if err != nil {
		return nil, err
	}
	var d Describe
	if err := json.Unmarshal(resp.Body, &d); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decoding describe").WithDetail("object", object)
	}
	return &d, nil
}

// Limits fetches the org's limits resource.
func (c *APIClient) Limits(ctx context.Context) (map[string]quota.Limit, error) {
	resp, err := c.Do(ctx, &Request{Path: c.DataPath("/limits"), Endpoint: "limits"})
	if err != nil {
		return nil, err
	}
	limits := make(map[string]quota.Limit)
	if err := json.Unmarshal(resp.Body, &limits); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decoding limits")
	}
	return limits, nil
}

var _ quota.LimitsSource = (*APIClient)(nil)
