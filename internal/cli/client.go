package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// --- Response types (дублируются из internal/api, CLI не импортирует HTTP-сервер) ---

// HealthResponse — ответ /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// CheckResult — результат одной проверки /readyz.
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

// BreakerResponse — состояние breaker.
type BreakerResponse struct {
	TenantID string `json:"tenant_id"`
	Target   string `json:"target"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// QueueDepthResponse — размер очереди batches.
type QueueDepthResponse struct {
	Ready     map[string]int64 `json:"ready"`
	Scheduled int64            `json:"scheduled"`
	Inflight  int64            `json:"inflight"`
}

// WorkersResponse — занятость пула воркеров.
type WorkersResponse struct {
	ID      string `json:"id"`
	Busy    int    `json:"busy"`
	Stopped bool   `json:"stopped"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для ops-сервера freight-worker.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для ops-сервера.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Health возвращает ответ /healthz.
func (c *Client) Health() (*HealthResponse, error) {
	var resp HealthResponse
	if _, err := c.getRaw("/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready возвращает ответ /readyz. 503 не считается ошибкой: результат
// проверок возвращается в ReadyResponse.
func (c *Client) Ready() (*ReadyResponse, error) {
	var resp ReadyResponse
	status, err := c.getRaw("/readyz", &resp)
	if err != nil && status != http.StatusServiceUnavailable {
		return nil, err
	}
	return &resp, nil
}

// Breakers возвращает состояние circuit breakers.
func (c *Client) Breakers() ([]BreakerResponse, error) {
	var breakers []BreakerResponse
	err := c.list("/debug/breakers", &breakers)
	return breakers, err
}

// QueueDepth возвращает размер очереди.
func (c *Client) QueueDepth() (*QueueDepthResponse, error) {
	var depth QueueDepthResponse
	err := c.get("/debug/queue", &depth)
	return &depth, err
}

// Workers возвращает занятость пула воркеров.
func (c *Client) Workers() (*WorkersResponse, error) {
	var workers WorkersResponse
	err := c.get("/debug/workers", &workers)
	return &workers, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func (c *Client) list(path string, result any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(lr.Data, result)
}

// getRaw декодирует тело ответа без обёртки data. Тело декодируется и при
// ошибочном статусе; статус возвращается вызывающему.
func (c *Client) getRaw(path string, result any) (int, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
