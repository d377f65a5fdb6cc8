package annexesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Annexe HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID             int64    `json:"id"`
	Rank           string   `json:"rank"`
	Title          string   `json:"title"`
	Cash           int      `json:"cash"`
	PercentMission int      `json:"percent_mission"`
	Villages       []string `json:"villages"`
}

// Character represents a playable character.
type Character struct {
	ID         int64  `json:"id"`
	ExternalID int64  `json:"external_id"`
	Name       string `json:"name"`
	Village    string `json:"village"`
	Level      int    `json:"level"`
	Exp        int    `json:"exp"`
	Cash       int    `json:"cash"`
}

// Session is the active mission of a character.
type Session struct {
	Session struct {
		CharacterID      int64  `json:"character_id"`
		MissionID        int64  `json:"mission_id"`
		PercentCharacter int    `json:"percent_character"`
		PercentChoice    int    `json:"percent_choice"`
		AdditionalTime   int    `json:"additional_time"`
		CurrentStepID    int64  `json:"current_step_id"`
		LastChoiceID     *int64 `json:"last_choice_id,omitempty"`
	} `json:"session"`
	Mission         Mission `json:"mission"`
	EndTime         string  `json:"end_time"`
	TimeLeftSeconds int64   `json:"time_left_seconds"`
	TimeOver        bool    `json:"time_over"`
	FinishChoice    bool    `json:"finish_choice"`
}

// Step is the current step of a session with its choices.
type Step struct {
	StepID      int64  `json:"step_id"`
	Description string `json:"description"`
	Choices     []struct {
		ChoiceID int64  `json:"choice_id"`
		Sentence string `json:"sentence"`
	} `json:"choices"`
}

// ChoiceResult reports the effect of an applied choice.
type ChoiceResult struct {
	Session struct {
		CurrentStepID  int64 `json:"current_step_id"`
		PercentChoice  int   `json:"percent_choice"`
		AdditionalTime int   `json:"additional_time"`
	} `json:"session"`
	Effect struct {
		ScoreDelta       int      `json:"score_delta"`
		TimeDelta        int      `json:"time_delta"`
		ConditionFailed  bool     `json:"condition_failed"`
		FailedConditions []string `json:"failed_conditions,omitempty"`
	} `json:"effect"`
}

// Outcome is the result of a resolved session.
type Outcome struct {
	Result       string  `json:"result"`
	FinalPercent int     `json:"final_percent"`
	CashGranted  int     `json:"cash_granted"`
	Mission      Mission `json:"mission"`
	Finality     struct {
		Description string `json:"description"`
		Cash        int    `json:"cash"`
	} `json:"finality"`
}

// ImportResult summarises an imported mission graph.
type ImportResult struct {
	ImportID   string `json:"import_id"`
	MissionID  int64  `json:"mission_id"`
	Title      string `json:"title"`
	Steps      int    `json:"steps"`
	Choices    int    `json:"choices"`
	Conditions int    `json:"conditions"`
	Finalities int    `json:"finalities"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Reason returns the "reason" detail of a FORBIDDEN response.
func (e *APIError) Reason() string {
	if r, ok := e.Details["reason"].(string); ok {
		return r
	}
	return ""
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// StartSession picks a mission of the given rank for the character.
func (c *Client) StartSession(ctx context.Context, characterID int64, rank string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.characterPath(characterID, "session"), map[string]any{"rank": rank}, &resp)
	return resp, err
}

// Session returns the active session of a character.
func (c *Client) Session(ctx context.Context, characterID int64) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.characterPath(characterID, "session"), nil, &resp)
	return resp, err
}

// AbandonSession drops the active session without recording an outcome.
func (c *Client) AbandonSession(ctx context.Context, characterID int64) error {
	return c.do(ctx, http.MethodDelete, c.characterPath(characterID, "session"), nil, nil)
}

// CurrentStep returns the current step, or ok=false once the walk is on a
// terminal step.
func (c *Client) CurrentStep(ctx context.Context, characterID int64) (step Step, ok bool, err error) {
	var resp *Step
	if err := c.do(ctx, http.MethodGet, c.characterPath(characterID, "session/step"), nil, &resp); err != nil {
		return Step{}, false, err
	}
	if resp == nil {
		return Step{}, false, nil
	}
	return *resp, true, nil
}

// ApplyChoice takes a choice from the current step.
func (c *Client) ApplyChoice(ctx context.Context, characterID, choiceID int64) (ChoiceResult, error) {
	var resp ChoiceResult
	err := c.do(ctx, http.MethodPost, c.characterPath(characterID, "session/choices"), map[string]any{"choice_id": choiceID}, &resp)
	return resp, err
}

// Resolve draws the outcome of a finished session.
func (c *Client) Resolve(ctx context.Context, characterID int64) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, c.characterPath(characterID, "session/resolve"), nil, &resp)
	return resp, err
}

// CreateCharacter registers a character. Admin only.
func (c *Client) CreateCharacter(ctx context.Context, externalID int64, name, village string, owners ...string) (Character, error) {
	body := map[string]any{
		"external_id": externalID,
		"name":        name,
		"village":     village,
		"owners":      owners,
	}
	var resp Character
	err := c.do(ctx, http.MethodPost, "v0/characters", body, &resp)
	return resp, err
}

// ImportMission uploads an authoring document. format may be empty for json.
func (c *Client) ImportMission(ctx context.Context, format, content string) (ImportResult, error) {
	body := map[string]any{"content": content}
	if format != "" {
		body["format"] = format
	}
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, "v0/imports", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) characterPath(characterID int64, p string) string {
	return fmt.Sprintf("v0/characters/%d/%s", characterID, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
