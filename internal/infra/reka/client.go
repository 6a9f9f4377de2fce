// Package reka is the client for the external video indexing and question
// answering service that judges commitment evidence.
//
// Upload relays a video to POST {base}/videos/upload and returns its video
// id. Verify asks POST {base}/qa/chat whether the indexed video shows the
// commitment being fulfilled and decodes the JSON verdict from the answer.
package reka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/covenant-labs/covenant/internal/domain"
	"github.com/covenant-labs/covenant/internal/infra/observability"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per request (default 2m)
	RPS     float64       // outbound request rate (0 = unlimited)
	Burst   int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client implements domain.EvidenceUploader and domain.VerificationGateway.
type Client struct {
	base    string
	key     string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

var (
	_ domain.EvidenceUploader    = (*Client)(nil)
	_ domain.VerificationGateway = (*Client)(nil)
)

// New creates a client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("reka: base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("reka: API key is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Client{
		base:    base,
		key:     cfg.APIKey,
		http:    hc,
		limiter: limiter,
		log:     observability.Component(cfg.Logger, "reka"),
	}, nil
}

// ─── Upload ─────────────────────────────────────────────────────────────────

type uploadResponse struct {
	VideoID string `json:"video_id"`
}

// Upload streams r as a multipart video upload and returns the video id.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEvidenceUnavailable, err)
	}

	pr, pw := io.Pipe()
	defer pr.Close() // unblocks the writer if the server answers early
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, name, r))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/videos/upload", pr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEvidenceUnavailable, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-api-key", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		observability.EvidenceUploads.WithLabelValues("unavailable").Inc()
		return "", fmt.Errorf("%w: %v", domain.ErrEvidenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body := readSnippet(resp.Body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			observability.EvidenceUploads.WithLabelValues("rejected").Inc()
			return "", fmt.Errorf("%w: status %d: %s", domain.ErrEvidenceRejected, resp.StatusCode, body)
		}
		observability.EvidenceUploads.WithLabelValues("unavailable").Inc()
		return "", fmt.Errorf("%w: status %d: %s", domain.ErrEvidenceUnavailable, resp.StatusCode, body)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.VideoID == "" {
		observability.EvidenceUploads.WithLabelValues("unavailable").Inc()
		return "", fmt.Errorf("%w: upload response carried no video id", domain.ErrEvidenceUnavailable)
	}
	observability.EvidenceUploads.WithLabelValues("ok").Inc()
	c.log.Info("evidence uploaded", "name", name, "video_id", out.VideoID)
	return out.VideoID, nil
}

func writeUploadForm(mw *multipart.Writer, name string, r io.Reader) error {
	for _, kv := range [][2]string{
		{"index", "true"},
		{"enable_thumbnails", "false"},
		{"video_name", name},
	} {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

// ─── Verify ─────────────────────────────────────────────────────────────────

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	VideoID  string        `json:"video_id"`
	Messages []chatMessage `json:"messages"`
}

const verifyPrompt = `Analyze this video to verify if the user completed their commitment: %q

Return ONLY valid JSON:
{
  "verified": boolean,
  "user_present": boolean,
  "comments": "explanation"
}

Rules:
- verified: true only if video clearly shows commitment completion (i.e. related task shown)
- user_present: true only if user's face is visible
- comments: 2-3 sentences explaining your decision
- verified and user_present should be evaluated independently
- respond with only valid JSON, no extra text, no markdown, no code blocks, no code fences`

// Verify asks whether video evidenceID shows description being fulfilled.
func (c *Client) Verify(ctx context.Context, evidenceID, description string) (domain.Verdict, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: %v", domain.ErrVerifierUnavailable, err)
	}

	body, err := json.Marshal(chatRequest{
		VideoID:  evidenceID,
		Messages: []chatMessage{{Role: "user", Content: fmt.Sprintf(verifyPrompt, description)}},
	})
	if err != nil {
		return domain.Verdict{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/qa/chat", bytes.NewReader(body))
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: %v", domain.ErrVerifierUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.key)

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.VerificationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.VerificationRequests.WithLabelValues("error").Inc()
		return domain.Verdict{}, fmt.Errorf("%w: %v", domain.ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		observability.VerificationRequests.WithLabelValues("error").Inc()
		return domain.Verdict{}, fmt.Errorf("%w: status %d: %s",
			domain.ErrVerifierUnavailable, resp.StatusCode, readSnippet(resp.Body))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		observability.VerificationRequests.WithLabelValues("error").Inc()
		return domain.Verdict{}, fmt.Errorf("%w: %v", domain.ErrVerifierUnavailable, err)
	}
	v, err := ParseVerdict(raw)
	if err != nil {
		observability.VerificationRequests.WithLabelValues("error").Inc()
		return domain.Verdict{}, fmt.Errorf("%w: %v", domain.ErrVerifierUnavailable, err)
	}

	result := "rejected"
	if v.Verified {
		result = "verified"
	}
	observability.VerificationRequests.WithLabelValues(result).Inc()
	c.log.Info("verdict received", "video_id", evidenceID,
		"verified", v.Verified, "user_present", v.SubjectPresent)
	return v, nil
}

// ParseVerdict decodes a chat response. The verdict is either the top-level
// object or a JSON string in "chat_response", possibly wrapped in a
// markdown code fence despite the prompt.
func ParseVerdict(raw []byte) (domain.Verdict, error) {
	var envelope struct {
		ChatResponse *string `json:"chat_response"`
		Verified     *bool   `json:"verified"`
		UserPresent  *bool   `json:"user_present"`
		Comments     string  `json:"comments"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.Verdict{}, fmt.Errorf("decode chat response: %w", err)
	}
	if envelope.Verified != nil {
		v := domain.Verdict{Verified: *envelope.Verified, Rationale: envelope.Comments}
		if envelope.UserPresent != nil {
			v.SubjectPresent = *envelope.UserPresent
		}
		return v, nil
	}
	if envelope.ChatResponse == nil {
		return domain.Verdict{}, errors.New("chat response has no verdict")
	}

	text := stripFence(*envelope.ChatResponse)
	var inner struct {
		Verified    *bool  `json:"verified"`
		UserPresent bool   `json:"user_present"`
		Comments    string `json:"comments"`
	}
	if err := json.Unmarshal([]byte(text), &inner); err != nil {
		return domain.Verdict{}, fmt.Errorf("decode verdict %q: %w", truncate(text, 120), err)
	}
	if inner.Verified == nil {
		return domain.Verdict{}, errors.New("verdict is missing \"verified\"")
	}
	return domain.Verdict{Verified: *inner.Verified, SubjectPresent: inner.UserPresent, Rationale: inner.Comments}, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // language tag
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	if len(b) == 0 {
		return "no body"
	}
	return strings.TrimSpace(string(b))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
