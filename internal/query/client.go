// Package query fetches filtered historical snapshots from the external
// query API with sequential pagination and fail-fast partial-failure
// semantics.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/observability"
	"github.com/tapewire/tapewire/internal/schema"
	"github.com/tapewire/tapewire/internal/telemetry"
)

const fetchComponent = "query/fetch"

// Config controls the snapshot client.
type Config struct {
	BaseURL        string
	PageSize       int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Client pages through the external query API and wraps rows as SNAPSHOT
// events. A page-level failure aborts the whole fetch; partial snapshots are
// never returned.
type Client struct {
	http     *http.Client
	baseURL  string
	pageSize int

	pagesCounter    metric.Int64Counter
	failureCounter  metric.Int64Counter
	fetchDuration   metric.Float64Histogram
	eventsHistogram metric.Int64Histogram
}

// NewClient constructs a snapshot client from configuration. Zero timeouts
// fall back to the documented defaults (connect 5s, read 30s, page size 500).
func NewClient(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{DialContext: dialer.DialContext}
	httpClient := &http.Client{Timeout: cfg.ReadTimeout, Transport: transport}

	c := &Client{
		http:     httpClient,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pageSize: cfg.PageSize,
	}

	meter := otel.Meter("tapewire/query")
	c.pagesCounter, _ = meter.Int64Counter("snapshot.pages",
		metric.WithDescription("Number of snapshot pages fetched"),
		metric.WithUnit("{page}"))
	c.failureCounter, _ = meter.Int64Counter("snapshot.failures",
		metric.WithDescription("Number of aborted snapshot fetches"),
		metric.WithUnit("{fetch}"))
	c.fetchDuration, _ = meter.Float64Histogram("snapshot.fetch.duration",
		metric.WithDescription("End-to-end snapshot fetch duration"),
		metric.WithUnit("ms"))
	c.eventsHistogram, _ = meter.Int64Histogram("snapshot.events",
		metric.WithDescription("Events returned per snapshot fetch"),
		metric.WithUnit("{event}"))

	return c
}

// pageEnvelope is the query API response shape for one page.
type pageEnvelope struct {
	Content []*schema.Event `json:"content"`
	Last    bool            `json:"last"`
	Page    int             `json:"page"`
}

// Fetch retrieves the complete filtered snapshot for the payload kind,
// paging sequentially until the API signals the last page. Every returned
// event carries event_type SNAPSHOT. Any page failure aborts with a
// SnapshotFailed envelope naming the page.
func (c *Client) Fetch(ctx context.Context, kind schema.PayloadKind, f schema.Filter) ([]*schema.Event, error) {
	var events []*schema.Event
	err := c.FetchPages(ctx, kind, f, func(page []*schema.Event) error {
		events = append(events, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// FetchPages retrieves the snapshot page by page, handing each page's
// SNAPSHOT-tagged events to fn as it lands. A page-level failure aborts the
// fetch with SnapshotFailed; an fn error aborts it and is returned as-is.
func (c *Client) FetchPages(ctx context.Context, kind schema.PayloadKind, f schema.Filter, fn func([]*schema.Event) error) error {
	params, err := Params(f)
	if err != nil {
		return err
	}
	endpoint := c.baseURL + pathFor(kind)

	start := time.Now()
	total := 0
	for page := 1; ; page++ {
		envelope, err := c.fetchPage(ctx, endpoint, params, page)
		if err != nil {
			if c.failureCounter != nil {
				c.failureCounter.Add(ctx, 1, metric.WithAttributes(
					telemetry.ErrorAttributes(telemetry.Environment(), string(errs.CodeOf(err)), "page_fetch")...))
			}
			return err
		}
		if c.pagesCounter != nil {
			c.pagesCounter.Add(ctx, 1)
		}
		events := make([]*schema.Event, 0, len(envelope.Content))
		for _, evt := range envelope.Content {
			if evt == nil {
				continue
			}
			evt.Type = schema.EventTypeSnapshot
			events = append(events, evt)
		}
		total += len(events)
		if err := fn(events); err != nil {
			return err
		}
		if envelope.Last {
			break
		}
	}

	if c.fetchDuration != nil {
		c.fetchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if c.eventsHistogram != nil {
		c.eventsHistogram.Record(ctx, int64(total))
	}
	observability.Log().Debug("snapshot fetched",
		observability.Field{Key: "kind", Value: string(kind)},
		observability.Field{Key: "events", Value: total},
		observability.Field{Key: "elapsed", Value: time.Since(start)})
	return nil
}

func (c *Client) fetchPage(ctx context.Context, endpoint string, params url.Values, page int) (pageEnvelope, error) {
	query := cloneValues(params)
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(c.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return pageEnvelope{}, errs.New(fetchComponent, errs.CodeInternal,
			errs.WithKind(errs.KindSnapshotFailed), errs.WithPage(page), errs.WithCause(err),
			errs.WithMessage("build page request"))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return pageEnvelope{}, errs.New(fetchComponent, classifyTransport(err),
			errs.WithKind(errs.KindSnapshotFailed), errs.WithPage(page), errs.WithCause(err),
			errs.WithMessage("page fetch failed"))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pageEnvelope{}, errs.New(fetchComponent, classifyStatus(resp.StatusCode),
			errs.WithKind(errs.KindSnapshotFailed), errs.WithPage(page), errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("page status %d", resp.StatusCode)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pageEnvelope{}, errs.New(fetchComponent, errs.CodeNetwork,
			errs.WithKind(errs.KindSnapshotFailed), errs.WithPage(page), errs.WithCause(err),
			errs.WithMessage("page body read failed"))
	}
	var envelope pageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return pageEnvelope{}, errs.New(fetchComponent, errs.CodeInvalid,
			errs.WithKind(errs.KindSnapshotFailed), errs.WithPage(page), errs.WithCause(err),
			errs.WithMessage("page decode failed"))
	}
	return envelope, nil
}

// Params translates a filter into query API parameters. The mapping is
// total over the filter language: EQ maps to the bare field name, every
// other operator to field__<op>, and BETWEEN joins both endpoints with a
// comma. No other variants are ever emitted.
func Params(f schema.Filter) (url.Values, error) {
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("logicalOperator", string(f.Logical()))
	for _, c := range f.Conditions {
		switch c.Operator {
		case schema.OpEQ:
			params.Add(c.Field, c.Value)
		case schema.OpLike:
			params.Add(c.Field+"__like", c.Value)
		case schema.OpGT:
			params.Add(c.Field+"__gt", c.Value)
		case schema.OpGTE:
			params.Add(c.Field+"__gte", c.Value)
		case schema.OpLT:
			params.Add(c.Field+"__lt", c.Value)
		case schema.OpLTE:
			params.Add(c.Field+"__lte", c.Value)
		case schema.OpBetween:
			params.Add(c.Field+"__between", c.Value+","+c.Value2)
		default:
			return nil, errs.InvalidFilter("query/params", c.Field, "unknown operator "+string(c.Operator))
		}
	}
	return params, nil
}

func pathFor(kind schema.PayloadKind) string {
	if kind == schema.PayloadExecution {
		return "/executions"
	}
	return "/orders"
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in))
	for k, vs := range in {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func classifyTransport(err error) errs.Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.CodeTimeout
	}
	return errs.CodeNetwork
}

func classifyStatus(status int) errs.Code {
	switch {
	case status == http.StatusNotFound:
		return errs.CodeNotFound
	case status >= 500:
		return errs.CodeUnavailable
	default:
		return errs.CodeInvalid
	}
}
