package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"timerd/internal/job"
)

// LimitParam carries the trigger's remaining-occurrences count on every
// outbound call so the endpoint knows how many further calls to expect:
// 0 for the final occurrence of a bounded job, -1 for unbounded triggers.
const LimitParam = "limit"

// HTTPConfig bounds a single HTTP dispatch attempt. DefaultTimeout applies
// when the job carries no override; MaxTimeout caps overrides and is
// enforced at validation time, not at dispatch time.
type HTTPConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     5 * time.Minute,
	}
}

// HTTP is the reference dispatcher: it builds the request from the
// recipient descriptor and classifies any 2xx response as success.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	log    *zap.SugaredLogger
}

func NewHTTP(cfg HTTPConfig, log *zap.SugaredLogger) *HTTP {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultHTTPConfig().DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultHTTPConfig().MaxTimeout
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{},
		log:    log,
	}
}

var _ Dispatcher = (*HTTP)(nil)

func (h *HTTP) Accepts(r job.Recipient) bool {
	return r.Kind == job.RecipientKindHTTP && r.HTTP != nil
}

// Timeout resolves the effective per-attempt timeout for a job.
func (h *HTTP) Timeout(d *job.Details) time.Duration {
	return d.EffectiveTimeout(h.cfg.DefaultTimeout, h.cfg.MaxTimeout)
}

// MaxTimeout exposes the cap the validator enforces on job overrides.
func (h *HTTP) MaxTimeout() time.Duration { return h.cfg.MaxTimeout }

func (h *HTTP) Execute(ctx context.Context, d *job.Details) (*job.ExecutionResponse, error) {
	recipient := d.Recipient.HTTP
	if recipient == nil {
		return nil, errors.Newf("job %s: recipient is not http", d.ID)
	}

	req, err := h.buildRequest(ctx, d, recipient)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Transport error or timeout: normalized as a failed response so
		// the scheduler drives the retry path off one shape.
		h.log.Warnw("dispatch transport failure", "job_id", d.ID, "url", recipient.URL, "error", err)
		return &job.ExecutionResponse{JobID: d.ID, Code: "", Message: err.Error()}, errors.Wrapf(err, "job %s: http dispatch", d.ID)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	response := &job.ExecutionResponse{
		JobID:   d.ID,
		Code:    strconv.Itoa(resp.StatusCode),
		Message: string(body),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return response, nil
	}
	return response, errors.Newf("job %s: recipient answered %d", d.ID, resp.StatusCode)
}

func (h *HTTP) buildRequest(ctx context.Context, d *job.Details, recipient *job.HTTPRecipient) (*http.Request, error) {
	method := recipient.Method
	if method == "" {
		method = http.MethodPost
	}

	target, err := url.Parse(recipient.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s: recipient url", d.ID)
	}
	query := target.Query()
	for k, v := range recipient.QueryParams {
		query.Set(k, v)
	}
	query.Set(LimitParam, strconv.Itoa(remainingLimit(d)))
	target.RawQuery = query.Encode()

	var body io.Reader
	if len(recipient.Body) > 0 {
		body = bytes.NewReader(recipient.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s: build request", d.ID)
	}
	for k, v := range recipient.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// remainingLimit is the occurrence count still scheduled after this fire.
func remainingLimit(d *job.Details) int {
	if d.Trigger == nil {
		return 0
	}
	return d.Trigger.Remaining()
}
