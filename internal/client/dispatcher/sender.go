package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"backend/internal/wire"
)

// HTTPSender posts batches to the server's /sync endpoint
type HTTPSender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSender builds a sender for the given server base URL. The per-send
// deadline comes from the dispatcher's context, so the http.Client itself
// carries no timeout.
func NewHTTPSender(baseURL string) *HTTPSender {
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// SendBatch implements BatchSender over HTTP. Any transport failure, timeout
// or non-200 answer is returned as an error, which the dispatcher treats as
// transient for every operation in the batch.
func (s *HTTPSender) SendBatch(ctx context.Context, session Session, batch wire.Batch) ([]wire.OpResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("sender: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sender: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+session.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sender: send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sender: server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var decoded wire.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("sender: decode response: %w", err)
	}

	return decoded.Results, nil
}
