package tmgbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct horse battery staple"
)

// newTestAPI returns an API for a test bot whose admin credentials are
// set to testAdminUsername/testAdminPassword.
func newTestAPI(t *testing.T) (*API, *Bot) {
	t.Helper()
	b, _, _ := newTestBot(t)
	ctx := context.Background()

	hashed, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	require.NoError(
		t,
		b.db.Model(&RuntimeConfig{}).
			Where("id = ?", b.RuntimeConfig().ID).
			Updates(
				map[string]any{
					columnRuntimeConfigAdminUsername: testAdminUsername,
					columnRuntimeConfigAdminPassword: hashed,
				},
			).Error,
	)
	b.refreshRuntimeConfig(ctx, true)
	require.Equal(t, testAdminUsername, b.RuntimeConfig().AdminUsername)

	api, err := newAPI(b, b.config.API, discardHandler())
	require.NoError(t, err)
	b.api = api
	return api, b
}

func apiRequest(
	t *testing.T,
	api *API,
	method, path string,
	body any,
	cookies ...*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			payload.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&payload).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionVarName {
			return c
		}
	}
	require.FailNow(t, "no session cookie in response")
	return nil
}

func login(t *testing.T, api *API) *http.Cookie {
	t.Helper()
	rec := apiRequest(
		t,
		api,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp loggedInResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testAdminUsername, resp.Username)
	return sessionCookie(t, rec)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	api, b := newTestAPI(t)

	rec := apiRequest(t, api, http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(xRequestIDHeader))

	health := decodeBody[healthCheckResponse](t, rec)
	assert.False(t, health.Paused)
	assert.Equal(t, 0, health.QueueSize)
	assert.False(t, health.DiscordGatewayConnected)

	require.True(t, b.Pause(context.Background()))
	health = decodeBody[healthCheckResponse](t, apiRequest(t, api, http.MethodGet, apiHealthCheck, nil))
	assert.True(t, health.Paused)

	assert.Equal(t, 2, api.RequestMetrics()["GET "+apiHealthCheck])
}

func TestAPI_Unauthorized(t *testing.T) {
	api, _ := newTestAPI(t)

	for _, path := range []string{apiPathStatus, apiPathConfig, apiPathReminders, apiPathTranscript} {
		rec := apiRequest(t, api, http.MethodGet, apiPrefix+path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := apiRequest(t, api, http.MethodPost, apiPrefix+apiPathPause, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_LoginRejected(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := apiRequest(
		t,
		api,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: "hunter2"},
	)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// logins are limited to one per second
	rec = apiRequest(
		t,
		api,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAPI_LoginMissingFields(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := apiRequest(t, api, http.MethodPost, apiPathLogin, `{"username": "admin"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_LoginWithoutCredentialsConfigured(t *testing.T) {
	b, _, _ := newTestBot(t)
	api, err := newAPI(b, b.config.API, discardHandler())
	require.NoError(t, err)

	rec := apiRequest(t, api, http.MethodPost, apiPathLogin, userLogin{Username: "admin", Password: "admin"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_Logout(t *testing.T) {
	api, _ := newTestAPI(t)
	cookie := login(t, api)

	rec := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathStatus, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = apiRequest(t, api, http.MethodPost, apiPathLogout, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := sessionCookie(t, rec)

	rec = apiRequest(t, api, http.MethodGet, apiPrefix+apiPathStatus, nil, cleared)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_Status(t *testing.T) {
	api, b := newTestAPI(t)
	cookie := login(t, api)
	ctx := context.Background()

	_, err := b.scheduleReminder(
		ctx,
		"examen de cálculo",
		testGuildID,
		"111",
		"222",
		time.Now().Add(72*time.Hour).In(b.location).Format(ReminderTimeLayout),
		RepeatNone,
	)
	require.NoError(t, err)
	require.NoError(
		t,
		ReplaceInactive(ctx, b.writeDB, []InactiveMember{{MemberID: "333"}, {MemberID: "444"}}),
	)

	rec := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathStatus, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeBody[statusResponse](t, rec)
	assert.False(t, status.Paused)
	assert.Equal(t, 1, status.PendingReminders)
	assert.Equal(t, 2, status.InactiveMembers)
	assert.Equal(t, b.transcript.Len(), status.TranscriptTurns)
}

// reloadRecorder records runtime config reload requests
type reloadRecorder struct {
	DBNotifier
	reloads chan struct{}
}

func (r *reloadRecorder) ReloadRuntimeConfig(context.Context) bool {
	r.reloads <- struct{}{}
	return true
}

func TestAPI_PauseResume(t *testing.T) {
	api, b := newTestAPI(t)
	notifier := &reloadRecorder{reloads: make(chan struct{}, 4)}
	b.notifier = notifier
	cookie := login(t, api)

	replies := []struct {
		path     string
		message  string
		paused   bool
		notified bool
	}{
		{apiPathPause, "paused", true, true},
		{apiPathPause, "already paused", true, false},
		{apiPathResume, "resumed", false, true},
		{apiPathResume, "not paused", false, false},
	}
	for _, r := range replies {
		rec := apiRequest(t, api, http.MethodPost, apiPrefix+r.path, nil, cookie)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, r.message, decodeBody[httpReply](t, rec).Message)
		assert.Equal(t, r.paused, b.RuntimeConfig().Paused, r.path)
		if r.notified {
			select {
			case <-notifier.reloads:
			case <-time.After(5 * time.Second):
				t.Fatalf("%s: other instances weren't notified", r.message)
			}
		}
	}
	assert.Empty(t, notifier.reloads)
}

func TestAPI_UpdateRuntimeConfig(t *testing.T) {
	api, b := newTestAPI(t)
	cookie := login(t, api)
	path := apiPrefix + apiPathConfig

	rec := apiRequest(
		t,
		api,
		http.MethodPatch,
		path,
		map[string]any{"discord_status": "Factorizando primos", "diagrams_enabled": false},
		cookie,
	)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	updated := decodeBody[RuntimeConfig](t, rec)
	assert.Equal(t, "Factorizando primos", updated.DiscordStatus)
	assert.False(t, updated.DiagramsEnabled)
	assert.False(t, b.RuntimeConfig().DiagramsEnabled)

	rec = apiRequest(t, api, http.MethodGet, path, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "Factorizando primos", current["discord_status"])
	assert.NotContains(t, current, "admin_password")

	rec = apiRequest(t, api, http.MethodPatch, path, map[string]any{"openai_max_requests_per_second": 0}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = apiRequest(t, api, http.MethodPatch, path, map[string]any{"log_level": "chatty"}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = apiRequest(t, api, http.MethodPatch, path, "{not json", cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Reminders(t *testing.T) {
	api, b := newTestAPI(t)
	cookie := login(t, api)
	path := apiPrefix + apiPathReminders
	runAt := time.Now().Add(48 * time.Hour).In(b.location).Format(ReminderTimeLayout)

	rec := apiRequest(
		t,
		api,
		http.MethodPost,
		path,
		apiCreateReminder{
			Description: "  entregar la guía 3 ",
			ChannelID:   "111",
			CreatorID:   "222",
			RunAt:       runAt,
			Repeat:      RepeatWeekly,
		},
		cookie,
	)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[Reminder](t, rec)
	assert.Equal(t, "entregar la guía 3", created.Description)
	assert.Equal(t, testGuildID, created.GuildID)
	assert.Equal(t, RepeatWeekly, created.Repeat)

	rec = apiRequest(t, api, http.MethodGet, path, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]Reminder](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	bad := []apiCreateReminder{
		{Description: "x", ChannelID: "111", CreatorID: "222", RunAt: "mañana"},
		{Description: "x", ChannelID: "111", CreatorID: "222", RunAt: "2001-01-01 10:00"},
		{Description: "x", ChannelID: "general", CreatorID: "222", RunAt: runAt},
		{Description: "x", ChannelID: "111", CreatorID: "222", RunAt: runAt, Repeat: "hourly"},
		{ChannelID: "111", CreatorID: "222", RunAt: runAt},
	}
	for _, payload := range bad {
		rec = apiRequest(t, api, http.MethodPost, path, payload, cookie)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%+v", payload)
	}

	reminderPath := fmt.Sprintf("%s/%d", path, created.ID)
	rec = apiRequest(t, api, http.MethodDelete, reminderPath, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeBody[Reminder](t, rec).ID)

	rec = apiRequest(t, api, http.MethodDelete, reminderPath, nil, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = apiRequest(t, api, http.MethodDelete, path+"/abc", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Points(t *testing.T) {
	api, b := newTestAPI(t)
	cookie := login(t, api)
	ctx := context.Background()

	_, err := AddPoints(ctx, b.writeDB, "111", 3)
	require.NoError(t, err)
	_, err = AddPoints(ctx, b.writeDB, "222", 5)
	require.NoError(t, err)

	rec := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathPoints, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[[]HelperPoints](t, rec)
	require.Len(t, rows, 2)
	assert.Equal(t, "222", rows[0].MemberID)
	assert.Equal(t, 5, rows[0].Points)
	assert.Equal(t, "111", rows[1].MemberID)
}

func TestAPI_Inactive(t *testing.T) {
	api, b := newTestAPI(t)
	cookie := login(t, api)

	require.NoError(
		t,
		ReplaceInactive(
			context.Background(),
			b.writeDB,
			[]InactiveMember{{MemberID: "444", Username: "lurker"}},
		),
	)

	rec := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathInactive, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	members := decodeBody[[]InactiveMember](t, rec)
	require.Len(t, members, 1)
	assert.Equal(t, "lurker", members[0].Username)
}

func TestAPI_Transcript(t *testing.T) {
	api, b := newTestAPI(t)
	cookie := login(t, api)

	rec := apiRequest(
		t,
		api,
		http.MethodPost,
		apiPrefix+apiPathChallenge,
		apiChallenge{Content: " Demuestra que la raíz de 2 es irracional "},
		cookie,
	)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decodeBody[transcriptTurn](t, rec)
	assert.Equal(t, TurnKindChallenge, added.Kind)
	assert.Equal(t, formatTurn(labelChallenge, "Demuestra que la raíz de 2 es irracional"), added.Text)
	assert.Equal(t, 1, b.transcript.Len())

	rec = apiRequest(t, api, http.MethodGet, apiPrefix+apiPathTranscript, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	turns := decodeBody[[]transcriptTurn](t, rec)
	require.Len(t, turns, len(b.transcript.Snapshot()))
	last := turns[len(turns)-1]
	assert.Equal(t, TurnKindChallenge, last.Kind)
	assert.Equal(t, len(turns)-1, last.Index)

	rec = apiRequest(t, api, http.MethodPost, apiPrefix+apiPathChallenge, apiChallenge{}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = apiRequest(t, api, http.MethodPost, apiPrefix+apiPathTranscriptRest, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, b.transcript.Len())
}
