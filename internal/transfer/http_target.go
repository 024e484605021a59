package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shaiso/Freight/internal/classify"
	"github.com/shaiso/Freight/internal/domain"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 200
)

// ErrHTTPRequest — HTTP-запрос к target system не выполнен.
var ErrHTTPRequest = errors.New("http request failed")

// HTTPTarget — adapter target system с REST API.
//
// Каждая запись отправляется отдельным запросом (по умолчанию PUT на
// {base_url}{path}, где {id} заменяется на ID записи) — upsert идемпотентен.
//
// Тело запроса:
//
//	{"id": "<record id>", "tenant_id": "<uuid>", "data": {...payload}}
//
// Ответ 2xx — успех. Остальные коды возвращаются как *classify.TransferError
// с кодом ответа и Retry-After, если он есть.
type HTTPTarget struct {
	cfg     TargetConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPTarget создаёт adapter по конфигурации.
func NewHTTPTarget(cfg TargetConfig, client *http.Client) *HTTPTarget {
	if client == nil {
		client = &http.Client{}
	}

	t := &HTTPTarget{cfg: cfg, client: client}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return t
}

// Send отправляет запись в target system.
func (t *HTTPTarget) Send(ctx context.Context, tenantID uuid.UUID, record domain.Record) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %w", ErrHTTPRequest, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"id":        record.ID,
		"tenant_id": tenantID,
		"data":      record.Payload,
	})
	if err != nil {
		return &classify.TransferError{
			Kind: domain.ErrorKindPermanent,
			Err:  fmt.Errorf("%w: marshal body: %w", classify.ErrSchema, err),
		}
	}

	req, err := http.NewRequestWithContext(ctx, t.method(), t.recordURL(record.ID), bytes.NewReader(body))
	if err != nil {
		return &classify.TransferError{
			Kind: domain.ErrorKindPermanent,
			Err:  fmt.Errorf("%w: create request: %w", ErrHTTPRequest, err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", tenantID.String()+":"+record.ID)
	req.Header.Set("X-Tenant-ID", tenantID.String())
	for key, val := range t.cfg.Headers {
		req.Header.Set(key, val)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classify.HTTPError(
		resp.StatusCode,
		parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		truncate(strings.TrimSpace(string(respBody)), maxErrorBody),
	)
}

func (t *HTTPTarget) method() string {
	if t.cfg.Method == "" {
		return http.MethodPut
	}
	return strings.ToUpper(t.cfg.Method)
}

// recordURL экранирует ID записи как один сегмент пути: "/", "?" и "#" в ID
// не должны менять путь или попадать в query.
func (t *HTTPTarget) recordURL(recordID string) string {
	path := t.cfg.Path
	if path == "" {
		path = "/records/{id}"
	}
	return strings.TrimRight(t.cfg.BaseURL, "/") + strings.ReplaceAll(path, "{id}", url.PathEscape(recordID))
}

func (t *HTTPTarget) timeout() time.Duration {
	if t.cfg.TimeoutSec > 0 {
		return time.Duration(t.cfg.TimeoutSec * float64(time.Second))
	}
	return defaultHTTPTimeout
}

// parseRetryAfter разбирает заголовок Retry-After: секунды или HTTP-дата.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
