// Package translate provides machine translation of comment text.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danielolaszy/tracksync/internal/config"
	"github.com/danielolaszy/tracksync/internal/logging"
	"github.com/danielolaszy/tracksync/internal/retry"
)

// maxLength is the longest text sent in one request; longer text is cut.
const maxLength = 1000

// Translator translates text into the configured target language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Noop returns text unchanged.
type Noop struct{}

// Translate implements Translator.
func (Noop) Translate(_ context.Context, text string) (string, error) {
	return text, nil
}

// Google talks to the public translate_a/single endpoint.
type Google struct {
	endpoint string
	source   string
	target   string
	http     *http.Client
	retry    retry.Policy
}

// New returns the translator configured by cfg: Noop when translation is
// disabled.
func New(cfg config.TranslateConfig) Translator {
	if !cfg.Enabled {
		return Noop{}
	}
	return NewGoogle(cfg)
}

// NewGoogle creates a Google translator.
func NewGoogle(cfg config.TranslateConfig) *Google {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	source := cfg.Source
	if source == "" {
		source = "auto"
	}

	return &Google{
		endpoint: cfg.URL,
		source:   source,
		target:   cfg.Target,
		http:     &http.Client{Timeout: timeout},
		retry:    retry.Policy{MaxAttempts: 2, Wait: time.Second},
	}
}

// Translate implements Translator.
func (g *Google) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	if runes := []rune(text); len(runes) > maxLength {
		text = string(runes[:maxLength])
	}

	query := url.Values{}
	query.Set("client", "gtx")
	query.Set("sl", g.source)
	query.Set("tl", g.target)
	query.Set("dt", "t")
	query.Set("q", text)

	var translated string
	err := g.retry.Do(ctx, "translate", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+query.Encode(), nil)
		if err != nil {
			return retry.Permanent(err)
		}

		resp, err := g.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := retry.CheckResponse(resp); err != nil {
			return err
		}

		var body []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode translation: %w", err))
		}
		translated, err = joinSegments(body)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to translate text: %w", err)
	}

	logging.Debug("translated text", "source", g.source, "target", g.target, "length", len(text))
	return translated, nil
}

// joinSegments concatenates the translated sentences found in the first
// element of the response: [[["translated", "original", ...], ...], ...].
func joinSegments(body []json.RawMessage) (string, error) {
	if len(body) == 0 {
		return "", retry.Permanent(fmt.Errorf("empty translation response"))
	}

	var segments [][]any
	if err := json.Unmarshal(body[0], &segments); err != nil {
		return "", retry.Permanent(fmt.Errorf("unexpected translation response: %w", err))
	}

	var b strings.Builder
	for _, segment := range segments {
		if len(segment) == 0 {
			continue
		}
		if s, ok := segment[0].(string); ok {
			b.WriteString(s)
		}
	}
	return b.String(), nil
}
