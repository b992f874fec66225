package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

var testIdentity = experiment.Identity{
	UserID:    "user-1",
	SessionID: "session-1",
	Audience:  experiment.AudienceIndividual,
}

func TestNew_Priority(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, PriorityNormal, New(testIdentity, PageView{Path: "/"}, at).Priority)
	assert.Equal(t, PriorityHigh, New(testIdentity, Conversion{GoalID: "g"}, at).Priority)
	assert.Equal(t, PriorityHigh, New(testIdentity, Error{Message: "boom"}, at).Priority)
}

func TestNew_StampsIdentity(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(testIdentity, CTAClick{Action: "apply_now"}, at)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "cta_click", e.Name)
	assert.Equal(t, "session-1", e.SessionID)
	assert.Equal(t, "user-1", e.UserID)
	assert.Equal(t, experiment.AudienceIndividual, e.Audience)
	assert.Equal(t, at, e.Timestamp)

	other := New(testIdentity, CTAClick{Action: "apply_now"}, at)
	assert.NotEqual(t, e.ID, other.ID, "every event gets its own id")
}

func TestCustomEventUsesOwnName(t *testing.T) {
	e := New(testIdentity, Custom{Name: "video_play", Data: map[string]any{"seconds": 12.0}}, time.Now())
	assert.Equal(t, "video_play", e.Name)
	assert.Equal(t, KindCustom, e.Kind())
}

func TestWireFormat(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(testIdentity, SectionExit{Section: "pricing", ElapsedMs: 1500}, at)

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "section_exit", raw["name"])
	assert.Equal(t, "session-1", raw["sessionId"])
	assert.Equal(t, "normal", raw["priority"])
	data := raw["customData"].(map[string]any)
	assert.Equal(t, "pricing", data["section"])
	assert.Equal(t, 1500.0, data["elapsedMs"])

	var decoded Event
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, SectionExit{Section: "pricing", ElapsedMs: 1500}, decoded.Data)
}

func TestUnmarshal_UnknownNameIsCustom(t *testing.T) {
	in := `{"id":"x","name":"video_play","timestamp":"2026-03-01T12:00:00Z","sessionId":"s","audience":"employer","customData":{"seconds":3}}`

	var e Event
	require.NoError(t, json.Unmarshal([]byte(in), &e))

	custom, ok := e.Data.(Custom)
	require.True(t, ok, "expected Custom payload, got %T", e.Data)
	assert.Equal(t, "video_play", custom.Name)
	assert.Equal(t, 3.0, custom.Data["seconds"])
	assert.Equal(t, PriorityNormal, e.Priority)
}

func TestBatchWireFormat(t *testing.T) {
	batch := Batch{
		SessionID: "session-1",
		Events:    []Event{New(testIdentity, PageView{Path: "/a"}, time.Now())},
	}
	b, err := json.Marshal(batch)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), `{"sessionId":"session-1","events":[`))
}

func TestFormSubmissionRedactsSensitiveFields(t *testing.T) {
	fields := map[string]string{
		"email":         "a@example.com",
		"password":      "hunter2",
		"Phone":         "555-0100",
		"ssn":           "123-45-6789",
		"creditCard":    "4111111111111111",
		"card_number":   "4111111111111111",
		"mobile_number": "555-0101",
		"first_name":    "Ada",
	}

	payload := NewFormSubmission("apply", true, fields)
	e := New(testIdentity, payload, time.Now())
	b, err := json.Marshal(e)
	require.NoError(t, err)

	for _, secret := range []string{"hunter2", "555-0100", "123-45-6789", "4111111111111111", "555-0101"} {
		assert.NotContains(t, string(b), secret)
	}
	assert.Contains(t, string(b), "a@example.com")
	assert.Contains(t, string(b), "Ada")
	assert.Equal(t, Redacted, payload.Fields["password"])
	assert.Equal(t, "hunter2", fields["password"], "input map must not be modified")
}

func TestIsSensitiveField(t *testing.T) {
	for _, name := range []string{"password", "confirm_password", "SSN", "social_security_number", "cvv", "phone", "tel"} {
		assert.True(t, IsSensitiveField(name), name)
	}
	for _, name := range []string{"email", "cancellation_reason", "hotel", "first_name"} {
		assert.False(t, IsSensitiveField(name), name)
	}
}
