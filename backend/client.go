// Package backend holds the HTTP collaborators outside the session core:
// resume upload, answer generation, and the credit ledger (heartbeat, partial
// deduction, interview records). Only the request/response contracts matter
// here; the session engine treats everything as opaque.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

var ErrBudgetExhausted = errors.New("interview credits exhausted")

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type AnswerRequest struct {
	Question       string `json:"question"`
	ResumeText     string `json:"resumeText"`
	JobDescription string `json:"jobDescription"`
}

type AnswerResponse struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type HeartbeatResponse struct {
	RemainingMinutes float64 `json:"remainingMinutes"`
	ConsumedMinutes  float64 `json:"consumedMinutes"`
	Message          string  `json:"message"`
}

type errorBody struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrBudgetExhausted, apiMessage(data))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiMessage(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
		}
	}
	return nil
}

func apiMessage(data []byte) string {
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Message != "" {
		return eb.Message
	}
	return string(data)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json", out)
}

// UploadResume posts the resume file and returns the extracted text.
func (c *Client) UploadResume(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("resume", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := c.do(ctx, http.MethodPost, "/resume", &buf, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *Client) GenerateAnswer(ctx context.Context, req AnswerRequest) (AnswerResponse, error) {
	var out AnswerResponse
	if err := c.postJSON(ctx, "/answer", req, &out); err != nil {
		return AnswerResponse{}, err
	}
	return out, nil
}

// Heartbeat reports ongoing consumption and returns the authoritative
// remaining balance.
func (c *Client) Heartbeat(ctx context.Context) (HeartbeatResponse, error) {
	var out HeartbeatResponse
	if err := c.postJSON(ctx, "/heartbeat", struct{}{}, &out); err != nil {
		return HeartbeatResponse{}, err
	}
	return out, nil
}

// DeductPartial reports the fractional minute consumed since the last whole
// heartbeat.
func (c *Client) DeductPartial(ctx context.Context, partialMinutes float64) error {
	payload := struct {
		PartialMinutes float64 `json:"partialMinutes"`
	}{partialMinutes}
	return c.postJSON(ctx, "/deduct-partial", payload, nil)
}

// RecordInterview stores the completed interview with the ledger.
func (c *Client) RecordInterview(ctx context.Context, date string, timeTakenSeconds uint64) error {
	payload := struct {
		Date      string `json:"date"`
		TimeTaken uint64 `json:"timeTaken"`
	}{date, timeTakenSeconds}
	var out struct {
		Message string `json:"message"`
	}
	return c.postJSON(ctx, "/interview", payload, &out)
}
