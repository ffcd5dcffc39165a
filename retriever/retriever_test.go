package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alabobai/Alabobai-unified-sub008/capability"
)

func newTestRetriever(t *testing.T) *Retriever {
	t.Helper()
	cat, err := capability.Load()
	require.NoError(t, err)
	return New(cat)
}

func TestRetrieveImageGeneration(t *testing.T) {
	r := newTestRetriever(t)
	task := "generate a logo for a robotics startup"

	res := r.Retrieve(task, 0)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, "media.image.generate", res.Matches[0].Capability.ID)
	assert.Equal(t, "media.image.generate", res.Intent.Label)
	assert.GreaterOrEqual(t, res.Intent.Confidence, 0.55)

	require.Len(t, res.Plan, 1)
	step := res.Plan[0]
	assert.Equal(t, 1, step.Step)
	assert.Equal(t, "media.image.generate", step.CapabilityID)
	assert.Equal(t, "POST", step.Method)
	assert.Equal(t, map[string]any{"prompt": task}, step.Payload)
}

func TestRetrieveEmptyTask(t *testing.T) {
	r := newTestRetriever(t)

	res := r.Retrieve("   ", 0)
	assert.Empty(t, res.Matches)
	assert.Empty(t, res.Plan)
	assert.Equal(t, "chat.general", res.Intent.Label)
	assert.InDelta(t, 0.4, res.Intent.Confidence, 0.001)
}

func TestRetrieveFallbackOnNoMatch(t *testing.T) {
	r := newTestRetriever(t)

	res := r.Retrieve("zzz qqq xxx", 0)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "chat.general", res.Matches[0].Capability.ID)
	assert.Equal(t, float64(1), res.Matches[0].Score)
	assert.Equal(t, []string{"fallback"}, res.Matches[0].Reasons)

	require.Len(t, res.Plan, 1)
	assert.Equal(t, "chat.general", res.Plan[0].CapabilityID)
}

func TestRetrieveStripsExecutePrefix(t *testing.T) {
	r := newTestRetriever(t)

	plain := r.Retrieve("generate a logo for a robotics startup", 0)
	prefixed := r.Retrieve("Execute task: generate a logo for a robotics startup", 0)

	require.NotEmpty(t, plain.Matches)
	require.NotEmpty(t, prefixed.Matches)
	assert.Equal(t, plain.Matches[0].Capability.ID, prefixed.Matches[0].Capability.ID)
	assert.InDelta(t, plain.Matches[0].Score, prefixed.Matches[0].Score, 0.001)
}

func TestURLGuardrail(t *testing.T) {
	r := newTestRetriever(t)

	withURL := r.Retrieve("fetch https://example.com/post and read it", 0)
	require.NotEmpty(t, withURL.Matches)
	top := withURL.Matches[0].Capability.ID
	assert.Contains(t, []string{"research.fetch-page", "proxy.fetch"}, top)

	require.Len(t, withURL.Plan, 1)
	assert.Equal(t, "https://example.com/post", withURL.Plan[0].Payload["url"])

	// Without any URL hint the fetch capabilities are penalized and must
	// not win against a real topical match.
	noURL := r.Retrieve("research the robotics market", 0)
	require.NotEmpty(t, noURL.Matches)
	assert.Equal(t, "research.search", noURL.Matches[0].Capability.ID)
}

func TestWebhookGuardrail(t *testing.T) {
	r := newTestRetriever(t)

	res := r.Retrieve("dispatch a webhook event to integrations", 0)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, "webhook.dispatch", res.Matches[0].Capability.ID)

	for _, m := range r.Retrieve("write a short poem about autumn", 0).Matches {
		assert.NotEqual(t, "webhook.dispatch", m.Capability.ID)
	}
}

func TestLocalAIGuardrail(t *testing.T) {
	r := newTestRetriever(t)

	res := r.Retrieve("list the local ollama models", 0)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, "localai.models", res.Matches[0].Capability.ID)

	for _, m := range r.Retrieve("plan a trip to the mountains", 0).Matches {
		assert.NotContains(t, m.Capability.ID, "localai.")
	}
}

func TestFilterFloorAndLimit(t *testing.T) {
	r := newTestRetriever(t)

	res := r.Retrieve("generate a logo for a robotics startup", 3)
	assert.LessOrEqual(t, len(res.Matches), 3)

	best := res.Matches[0].Score
	for _, m := range res.Matches {
		assert.GreaterOrEqual(t, m.Score, 0.45*best)
		assert.GreaterOrEqual(t, m.Score, 2.4)
	}
}

func TestChatGeneralDroppedAgainstStrongMatch(t *testing.T) {
	r := newTestRetriever(t)

	res := r.Retrieve("generate a logo for a robotics startup", 10)
	require.GreaterOrEqual(t, res.Matches[0].Score, 4.5)
	for _, m := range res.Matches {
		if m.Capability.ID == "chat.general" {
			assert.GreaterOrEqual(t, m.Score, 0.85*res.Matches[0].Score)
		}
	}
}

func TestInferIntent(t *testing.T) {
	tests := []struct {
		task  string
		label string
	}{
		{"write a business plan for my bakery", "company.plan"},
		{"generate a logo please", "media.image.generate"},
		{"make a short video of a sunrise", "media.video.generate"},
		{"research quantum error correction", "research.search"},
		{"add this to the knowledge base", "localai.ingest"},
		{"send a webhook when the job is done", "webhook.dispatch"},
		{"hello there", "chat.general"},
	}
	for _, tt := range tests {
		intent := inferIntent(tt.task)
		assert.Equal(t, tt.label, intent.Label, "task %q", tt.task)
	}

	strong := inferIntent("research and search for robotics news")
	assert.Equal(t, "research.search", strong.Label)
	assert.InDelta(t, 0.95, strong.Confidence, 0.001)

	weak := inferIntent("what time is it")
	assert.InDelta(t, 0.4, weak.Confidence, 0.001)
}

func TestPayloadTemplates(t *testing.T) {
	r := newTestRetriever(t)

	t.Run("company plan", func(t *testing.T) {
		task := "write a business plan for an underwater drone company"
		res := r.Retrieve(task, 0)
		require.NotEmpty(t, res.Plan)
		require.Equal(t, "company.plan", res.Plan[0].CapabilityID)

		payload := res.Plan[0].Payload
		assert.Equal(t, task, payload["description"])
		assert.Equal(t, "startup", payload["companyType"])
		assert.NotEmpty(t, payload["name"])
	})

	t.Run("chat messages", func(t *testing.T) {
		task := "zzz qqq xxx"
		res := r.Retrieve(task, 0)
		require.NotEmpty(t, res.Plan)
		require.Equal(t, "chat.general", res.Plan[0].CapabilityID)

		payload := res.Plan[0].Payload
		assert.Equal(t, false, payload["stream"])
		msgs, ok := payload["messages"].([]map[string]any)
		require.True(t, ok)
		require.Len(t, msgs, 1)
		assert.Equal(t, "user", msgs[0]["role"])
		assert.Equal(t, task, msgs[0]["content"])
	})

	t.Run("GET carries no payload", func(t *testing.T) {
		res := r.Retrieve("list the local ollama models", 0)
		require.NotEmpty(t, res.Plan)
		require.Equal(t, "localai.models", res.Plan[0].CapabilityID)
		assert.Nil(t, res.Plan[0].Payload)
	})
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("Please, I would like to Generate a LOGO!")
	assert.Equal(t, []string{"generate", "logo"}, tokens)

	assert.Empty(t, tokenize("a I to"))
}

func TestDeriveCompanyName(t *testing.T) {
	assert.Equal(t, "Build Underwater Drone Company",
		deriveCompanyName("build an underwater drone company for research"))
	assert.Equal(t, "New Company", deriveCompanyName("a the to"))
}
