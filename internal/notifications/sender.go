package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bookhaven/api/internal/platform/observability"
	"github.com/bookhaven/api/internal/services"
)

const defaultSendTimeout = 10 * time.Second

var _ services.EmailSender = (*HTTPSender)(nil)

// HTTPSender posts rendered messages to a transactional email API as JSON.
type HTTPSender struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
}

// HTTPSenderConfig configures HTTPSender.
type HTTPSenderConfig struct {
	Endpoint string
	APIKey   string
	From     string
	Timeout  time.Duration
	Client   *http.Client
}

type emailPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// NewHTTPSender validates cfg and returns a sender.
func NewHTTPSender(cfg HTTPSenderConfig) (*HTTPSender, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("notifications: email endpoint is required")
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, errors.New("notifications: from address is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultSendTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSender{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		from:     from,
		client:   client,
	}, nil
}

// Send delivers msg synchronously. Any non-2xx response is an error.
func (s *HTTPSender) Send(ctx context.Context, msg services.EmailMessage) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("notifications: recipient is required")
	}
	body, err := json.Marshal(emailPayload{From: s.from, To: msg.To, Subject: msg.Subject, HTML: msg.HTML})
	if err != nil {
		return fmt.Errorf("notifications: encode email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notifications: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifications: send email: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notifications: email api returned %d", resp.StatusCode)
	}
	return nil
}

// LogSender writes messages to the logger instead of delivering them. Used when no email API is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a LogSender; a nil logger discards output.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg services.EmailMessage) error {
	s.logger.Info("email suppressed",
		zap.String("to", observability.MaskEmail(msg.To)),
		zap.String("subject", msg.Subject),
		zap.Int("htmlBytes", len(msg.HTML)),
	)
	return nil
}
