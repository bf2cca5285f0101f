package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/procwatch/internal/history"
)

// Sink indexes records into OpenSearch (or Elasticsearch) over HTTP.
// Each record is POSTed to baseURL + "/" + index + "/_doc".
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
