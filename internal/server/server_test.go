package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annexe/internal/config"
	"annexe/internal/db"
	"annexe/internal/domain"
	"annexe/internal/engine"
	"annexe/internal/migrate"
	"annexe/internal/statprovider"
)

const testSecret = "test-secret"

type zeroRand struct{}

func (zeroRand) IntN(int) int { return 0 }

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn.DB))

	ts := &testServer{client: &http.Client{}, now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := engine.New(conn, config.Default(), statprovider.Static{Default: statprovider.Score{Aggregate: 10}})
	e.Now = func() time.Time { return ts.now }
	e.Rand = zeroRand{}
	ts.Engine = e

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, DevAuth: true}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	ts.URL = "http://" + ln.Addr().String() + "/v0"
	return ts
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, roles, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

// seed creates the Konoha village, imports the fixture mission and
// registers a character owned by "player".
func (s *testServer) seed(t *testing.T) domain.Character {
	t.Helper()
	admin := bearer(t, "gm", "admin")
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/villages", map[string]any{"name": "Konoha"}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	content, err := os.ReadFile("../importer/testdata/mission.json")
	require.NoError(t, err)
	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/imports", map[string]any{"format": "json", "content": string(content)}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/characters", map[string]any{
		"external_id": 42, "name": "Sakura", "village": "Konoha", "owners": []string{"player"},
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var ch domain.Character
	require.NoError(t, json.Unmarshal(data, &ch))
	return ch
}

func TestHealthAndAuthentication(t *testing.T) {
	s := newTestServer(t)

	res, body := doJSON(t, s.client, http.MethodGet, s.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var health struct {
		Status string `json:"status"`
		Schema int    `json:"schema"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.Schema)

	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, data).Code)

	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, bearer(t, "gm", "admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "gm", me.ActorID)
	assert.True(t, me.Admin)
}

func TestDevLogin(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/auth/dev/login", map[string]any{"actor_id": "tester"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), `"tester"`)
}

func TestMissionRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ch := s.seed(t)
	player := bearer(t, "player")
	base := fmt.Sprintf("%s/characters/%d", s.URL, ch.ID)

	res, data := doJSON(t, s.client, http.MethodPost, base+"/session", map[string]any{"rank": "C"}, player)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var view engine.SessionView
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, domain.RankC, view.Mission.Rank)
	assert.Equal(t, int64(3*3600), view.TimeLeftSeconds)

	res, data = doJSON(t, s.client, http.MethodPost, base+"/session", map[string]any{"rank": "C"}, player)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "CONFLICT", decodeError(t, data).Code)

	res, data = doJSON(t, s.client, http.MethodGet, fmt.Sprintf("%s/missions/%d", base, view.Mission.ID), nil, player)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, s.client, http.MethodGet, base+"/session/step", nil, player)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var step StepResponse
	require.NoError(t, json.Unmarshal(data, &step))
	require.Len(t, step.Choices, 2)

	res, data = doJSON(t, s.client, http.MethodPost, base+"/session/resolve", nil, player)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	apiErr := decodeError(t, data)
	assert.Equal(t, "Time is not over", apiErr.Message)
	assert.Equal(t, "not-over", apiErr.Details["reason"])

	var forest int64
	for _, c := range step.Choices {
		if c.Sentence == "Take the forest path" {
			forest = c.ChoiceID
		}
	}
	require.NotZero(t, forest)
	res, data = doJSON(t, s.client, http.MethodPost, base+"/session/choices", map[string]any{"choice_id": forest}, player)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, s.client, http.MethodGet, base+"/session/step", nil, player)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	s.now = s.now.Add(5 * time.Hour)
	res, data = doJSON(t, s.client, http.MethodGet, base+"/session/time-left", nil, player)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var left TimeLeftResponse
	require.NoError(t, json.Unmarshal(data, &left))
	assert.Zero(t, left.TimeLeftSeconds)
	assert.True(t, left.TimeOver)

	res, data = doJSON(t, s.client, http.MethodPost, base+"/session/resolve", nil, player)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out engine.Outcome
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, domain.ResultWin, out.Result)

	res, _ = doJSON(t, s.client, http.MethodGet, base+"/session", nil, player)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, s.client, http.MethodGet, base+"/stats", nil, player)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stats []domain.RankStat
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Win)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/events?type=session.resolved", nil, bearer(t, "gm", "admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evts paginatedEvents
	require.NoError(t, json.Unmarshal(data, &evts))
	assert.Len(t, evts.Items, 1)
}

func TestAbandonEndpoint(t *testing.T) {
	s := newTestServer(t)
	ch := s.seed(t)
	player := bearer(t, "player")
	base := fmt.Sprintf("%s/characters/%d/session", s.URL, ch.ID)

	res, _ := doJSON(t, s.client, http.MethodDelete, base, nil, player)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data := doJSON(t, s.client, http.MethodPost, base, map[string]any{"rank": "C"}, player)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, _ = doJSON(t, s.client, http.MethodDelete, base, nil, player)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, s.client, http.MethodGet, base, nil, player)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAccessControl(t *testing.T) {
	s := newTestServer(t)
	ch := s.seed(t)

	res, data := doJSON(t, s.client, http.MethodGet, fmt.Sprintf("%s/characters/%d/session", s.URL, ch.ID), nil, bearer(t, "stranger"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "not-owner", decodeError(t, data).Details["reason"])

	res, data = doJSON(t, s.client, http.MethodPost, s.URL+"/villages", map[string]any{"name": "Suna"}, bearer(t, "player"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "admin-only", decodeError(t, data).Details["reason"])

	res, _ = doJSON(t, s.client, http.MethodPost, fmt.Sprintf("%s/characters/%d/session", s.URL, ch.ID), map[string]any{"rank": "Z"}, bearer(t, "player"))
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	res, _ = doJSON(t, s.client, http.MethodGet, fmt.Sprintf("%s/characters/%d/session", s.URL, ch.ID+100), nil, bearer(t, "gm", "admin"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/characters/by-name/sakura", nil, bearer(t, "player"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var found domain.Character
	require.NoError(t, json.Unmarshal(data, &found))
	assert.Equal(t, ch.ID, found.ID)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/characters/by-name/Sakura", nil, bearer(t, "stranger"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "not-owner", decodeError(t, data).Details["reason"])

	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/characters/by-name/Kakashi", nil, bearer(t, "gm", "admin"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestImportRejectsInvalidDocument(t *testing.T) {
	s := newTestServer(t)
	admin := bearer(t, "gm", "admin")
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/imports", map[string]any{
		"format":  "yaml",
		"content": "nodes:\n  - id: m\n    caption: Mission\n    labels: [Mission, Mist]\n    properties: {rank: C, title: Fog}\n",
	}, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "INVALID", decodeError(t, data).Code)
}

func TestAPIKeyAuthentication(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/api-keys", map[string]any{"actor_id": "bot", "name": "discord"}, bearer(t, "gm", "admin"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created CreateAPIKeyResponse
	require.NoError(t, json.Unmarshal(data, &created))
	assert.NotContains(t, string(data), "key_hash")

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, map[string]string{"X-Api-Key": created.Secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "bot", me.ActorID)
	assert.Equal(t, "api_key", me.Source)
	assert.Equal(t, created.Key.ID, me.KeyID)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/api-keys?actor_id=bot", nil, bearer(t, "gm", "admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var keys []domain.APIKey
	require.NoError(t, json.Unmarshal(data, &keys))
	require.Len(t, keys, 1)
	assert.NotEmpty(t, keys[0].LastUsedAt)

	res, _ = doJSON(t, s.client, http.MethodDelete, s.URL+"/api-keys/"+created.Key.ID, nil, bearer(t, "gm", "admin"))
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, map[string]string{"X-Api-Key": created.Secret})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestOpenAPIDocument(t *testing.T) {
	s := newTestServer(t)

	res, data := doJSON(t, s.client, http.MethodGet, s.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security  []map[string][]string `json:"security"`
			Responses map[string]any        `json:"responses"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Contains(t, doc.Components.SecuritySchemes, "apiKeyAuth")

	health := doc.Paths["/v0/health"]["get"]
	assert.Empty(t, health.Security)
	me := doc.Paths["/v0/me"]["get"]
	assert.Len(t, me.Security, 2)
	assert.Contains(t, me.Responses, "default")
}
