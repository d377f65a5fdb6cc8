package statprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"annexe/internal/apperrors"
	"annexe/internal/config"
	"annexe/internal/ctxlog"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultMaxTries = 3
)

// HTTP queries the game API. URLs may contain "{id}" and "{token}"
// placeholders; without "{id}" the character id is appended.
type HTTP struct {
	PowerURL   string
	SkillsURL  string
	Token      string
	Timeout    time.Duration
	MaxTries   uint
	HTTPClient *http.Client
}

func NewHTTP(cfg config.StatProviderConfig) *HTTP {
	h := &HTTP{
		PowerURL:  cfg.PowerURL,
		SkillsURL: cfg.SkillsURL,
		Token:     cfg.Token,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	if cfg.MaxTries > 0 {
		h.MaxTries = uint(cfg.MaxTries)
	}
	return h
}

// powerResponse mirrors the game API: {"detail": <percent>}.
type powerResponse struct {
	Detail json.Number `json:"detail"`
}

// skillsResponse mirrors the game API: {"detail": {"<skill>": <level>}}.
type skillsResponse struct {
	Detail map[string]int `json:"detail"`
}

func (h *HTTP) GetCharacterScore(ctx context.Context, characterID int64) (Score, error) {
	var power powerResponse
	if err := h.fetch(ctx, h.PowerURL, characterID, &power); err != nil {
		return Score{}, err
	}
	aggregate, err := parsePercent(power.Detail)
	if err != nil {
		return Score{}, apperrors.Wrap(apperrors.CodeUnavailable, "stat provider returned an invalid power value", err)
	}
	score := Score{Aggregate: aggregate, Skills: map[string]int{}}
	if strings.TrimSpace(h.SkillsURL) != "" {
		var skills skillsResponse
		if err := h.fetch(ctx, h.SkillsURL, characterID, &skills); err != nil {
			return Score{}, err
		}
		for k, v := range skills.Detail {
			score.Skills[k] = v
		}
	}
	return score, nil
}

func parsePercent(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func (h *HTTP) client() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (h *HTTP) buildURL(tmpl string, characterID int64) string {
	id := strconv.FormatInt(characterID, 10)
	u := strings.ReplaceAll(tmpl, "{token}", url.QueryEscape(h.Token))
	if strings.Contains(u, "{id}") {
		return strings.ReplaceAll(u, "{id}", id)
	}
	return u + id
}

// fetch GETs and decodes JSON, retrying transport errors and 5xx with
// exponential backoff. 4xx responses are not retried.
func (h *HTTP) fetch(ctx context.Context, tmpl string, characterID int64, dst any) error {
	target := h.buildURL(tmpl, characterID)
	client := h.client()
	tries := h.MaxTries
	if tries == 0 {
		tries = defaultMaxTries
	}
	logger := ctxlog.FromContext(ctx)
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(tries),
	}
	if client.Timeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(client.Timeout*time.Duration(tries)))
	}

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		res, err := client.Do(req)
		if err != nil {
			logger.Debug("stat provider request failed", "character_external_id", characterID, "error", err)
			return nil, err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 500 {
			return nil, fmt.Errorf("status %d", res.StatusCode)
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, backoff.Permanent(fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data))))
		}
		return data, nil
	}, opts...)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, fmt.Sprintf("stat provider unavailable: %v", err), err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "stat provider returned malformed json", err)
	}
	return nil
}
