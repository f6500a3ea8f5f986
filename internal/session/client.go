package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"converse-backend/internal/models"
	"converse-backend/internal/services"
)

// APIClient talks to the conversation API over HTTP. It implements
// Actions and Streamer for the coordinator. Action responses arrive in
// the {success, message, data} envelope; a failed envelope surfaces as
// an error carrying the server's message.
type APIClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

func NewAPIClient(baseURL, accessToken string) *APIClient {
	return &APIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		// No overall timeout: streaming responses stay open for the
		// duration of the exchange. Callers bound requests via ctx.
		httpClient: &http.Client{},
	}
}

// actionEnvelope mirrors ActionResponse with raw data so each call can
// decode into its own type.
type actionEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *APIClient) ListThreads(ctx context.Context) ([]*models.Thread, error) {
	var threads []*models.Thread
	if err := c.doAction(ctx, http.MethodGet, "/api/v1/chats", nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

func (c *APIClient) GetThread(ctx context.Context, threadID uuid.UUID) (*models.Thread, error) {
	var thread models.Thread
	if err := c.doAction(ctx, http.MethodGet, "/api/v1/chats/"+threadID.String(), nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *APIClient) CreateThread(ctx context.Context, content, model string) (*models.Thread, error) {
	body := models.CreateMessageRequest{Content: content, Model: model}
	var thread models.Thread
	if err := c.doAction(ctx, http.MethodPost, "/api/v1/chats", body, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *APIClient) CreateMessage(ctx context.Context, threadID uuid.UUID, content, model string) (*models.ExchangePair, error) {
	body := models.CreateMessageRequest{Content: content, Model: model}
	var pair models.ExchangePair
	path := "/api/v1/chats/" + threadID.String() + "/messages"
	if err := c.doAction(ctx, http.MethodPost, path, body, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *APIClient) DeleteThread(ctx context.Context, threadID uuid.UUID) error {
	return c.doAction(ctx, http.MethodDelete, "/api/v1/chats/"+threadID.String(), nil, nil)
}

// StreamChat consumes the SSE exchange stream, delivering increments in
// arrival order until the server closes the stream or ctx is cancelled.
func (c *APIClient) StreamChat(ctx context.Context, req models.StreamChatRequest, onIncrement func(services.Increment)) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("stream request failed: %s", errBody.Error)
		}
		return fmt.Errorf("stream request failed with status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var inc services.Increment
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &inc); err != nil {
			continue
		}
		onIncrement(inc)
	}
	return scanner.Err()
}

func (c *APIClient) doAction(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope actionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if !envelope.Success {
		if envelope.Message != "" {
			return fmt.Errorf("%s", envelope.Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
