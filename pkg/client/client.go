// Package client talks to the procwatch HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Client provides HTTP access to a running procwatch daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	username string
	password string

	mu    sync.RWMutex
	token string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // skip TLS verification

	// Username and Password are sent as basic auth until Login or Token
	// supplies a bearer token.
	Username string
	Password string
	Token    string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
}

const (
	DefaultBaseURL = "http://127.0.0.1:8090"
	DefaultTimeout = 2 * time.Minute
)

// APIError is returned for non-2xx answers.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// New creates a client. TLS setup errors are returned rather than ignored.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout, Transport: transport},
		username: config.Username,
		password: config.Password,
		token:    config.Token,
	}, nil
}

// Login exchanges a username and password for a bearer token, which is used
// for every later request.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	var res LoginResult
	if err := c.send(ctx, http.MethodPost, "/auth/login", body, &res); err != nil {
		return nil, err
	}
	if res.Token != nil {
		c.SetToken(res.Token.Value)
	}
	return &res, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// IsReachable checks if the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) Status(ctx context.Context) (*SystemStatus, error) {
	var st SystemStatus
	return &st, c.do(ctx, http.MethodGet, "/status", &st)
}

func (c *Client) SystemMetrics(ctx context.Context) (*SystemMetrics, error) {
	var m SystemMetrics
	return &m, c.do(ctx, http.MethodGet, "/system/metrics", &m)
}

// StartSystem starts every process. The result is returned together with
// an *APIError when the daemon reports failure.
func (c *Client) StartSystem(ctx context.Context, skipStability bool) (*StartResult, error) {
	path := "/system/start"
	if skipStability {
		path += "?skip_stability=true"
	}
	var res StartResult
	return &res, c.do(ctx, http.MethodPost, path, &res)
}

func (c *Client) StopSystem(ctx context.Context) (*StopResult, error) {
	var res StopResult
	return &res, c.do(ctx, http.MethodPost, "/system/stop", &res)
}

func (c *Client) Processes(ctx context.Context) ([]ProcessState, error) {
	var out []ProcessState
	return out, c.do(ctx, http.MethodGet, "/processes", &out)
}

func (c *Client) Process(ctx context.Context, id string) (*ProcessState, error) {
	var st ProcessState
	return &st, c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(id), &st)
}

func (c *Client) StartProcess(ctx context.Context, id string) error {
	return c.action(ctx, id, "start")
}

func (c *Client) StopProcess(ctx context.Context, id string) error {
	return c.action(ctx, id, "stop")
}

func (c *Client) RestartProcess(ctx context.Context, id string) error {
	return c.action(ctx, id, "restart")
}

func (c *Client) ResetProcess(ctx context.Context, id string) error {
	return c.action(ctx, id, "reset")
}

func (c *Client) action(ctx context.Context, id, action string) error {
	c.logger.Debug("process action", "process", id, "action", action)
	return c.do(ctx, http.MethodPost, "/processes/"+url.PathEscape(id)+"/"+action, nil)
}

func (c *Client) WatchdogMetrics(ctx context.Context) (*WatchdogMetrics, error) {
	var m WatchdogMetrics
	return &m, c.do(ctx, http.MethodGet, "/watchdog/metrics", &m)
}

func (c *Client) Alerts(ctx context.Context) ([]Alert, error) {
	var out []Alert
	return out, c.do(ctx, http.MethodGet, "/watchdog/alerts", &out)
}

// do sends a request and decodes the JSON body into out (when non-nil) for
// any status that carries one. Non-2xx statuses yield an *APIError.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	return c.send(ctx, method, path, nil, out)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		apiErr.Message = er.Error
	} else if out != nil && json.Unmarshal(data, out) == nil {
		// system results carry their own message
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &msg)
		apiErr.Message = msg.Message
	}
	c.logger.Debug("API request failed", "path", path, "status", resp.StatusCode, "error", apiErr.Message)
	return apiErr
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 explicit operator choice
		tlsConfig.InsecureSkipVerify = true
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}
