package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// HealthResponse — ответ /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// CheckResult — результат одной проверки готовности.
type CheckResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Optional bool   `json:"optional,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// ReadyResponse — ответ /readyz.
type ReadyResponse struct {
	Ready  bool          `json:"ready"`
	Checks []CheckResult `json:"checks"`
}

// WorkersResponse — ответ /debug/workers.
type WorkersResponse struct {
	ID      string `json:"id"`
	Busy    int    `json:"busy"`
	Stopped bool   `json:"stopped"`
}

// Healthz сообщает, что процесс жив. Внешние зависимости не проверяются.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}

// Readyz параллельно выполняет проверки готовности.
// 503 — хотя бы одна обязательная проверка не прошла.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]CheckResult, len(h.checks))

	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.runCheck(r.Context(), c)
		}()
	}
	wg.Wait()

	resp := ReadyResponse{Ready: true, Checks: results}
	for _, res := range results {
		if !res.OK && !res.Optional {
			resp.Ready = false
		}
	}

	if !resp.Ready {
		h.logger.Warn("readiness check failed", "checks", results)
		JSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	JSON(w, http.StatusOK, resp)
}

func (h *Handler) runCheck(ctx context.Context, c Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Pinger.Ping(ctx)

	res := CheckResult{
		Name:     c.Name,
		OK:       err == nil,
		Optional: c.Optional,
		Duration: time.Since(start).String(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// ListBreakers возвращает состояние всех breakers.
func (h *Handler) ListBreakers(w http.ResponseWriter, _ *http.Request) {
	if h.breakers == nil {
		NotFound(w, "breaker registry is not configured")
		return
	}
	stats := h.breakers.Snapshot()
	List(w, stats, len(stats))
}

// QueueDepth возвращает размер очереди batches.
func (h *Handler) QueueDepth(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		NotFound(w, "queue is not configured")
		return
	}
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	Success(w, depth)
}

// Workers возвращает занятость пула воркеров.
func (h *Handler) Workers(w http.ResponseWriter, _ *http.Request) {
	if h.workers == nil {
		NotFound(w, "worker pool is not configured")
		return
	}
	Success(w, WorkersResponse{
		ID:      h.workers.ID(),
		Busy:    h.workers.Busy(),
		Stopped: h.workers.IsStopped(),
	})
}
