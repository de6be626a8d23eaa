package catalog_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/relay/internal/catalog"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/testutil"
)

const sampleCatalog = `
tools:
  - slug: pdf_summary
    name: PDF summary
    description: Summarize a PDF document.
    min_plan: pro
    rate_limit_per_minute: 10
    workflow_id: wf-pdf
    path: /webhook/pdf-summary
    input_schema:
      type: object
      required: [url]
      properties:
        url:
          type: string
        pages:
          type: integer
          minimum: 1
  - slug: email_send
    workflow_id: wf-email
    path: /webhook/email
  - slug: crm_sync
    enabled: false
    path: /webhook/crm
workflows:
  - id: inbound-reply
    path: /webhook/inbound-reply
  - id: paused
    enabled: false
    path: /webhook/paused
`

func TestParse(t *testing.T) {
	c, err := catalog.Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	tool, ok := c.Tool("pdf_summary")
	require.True(t, ok)
	assert.Equal(t, "PDF summary", tool.Name)
	assert.True(t, tool.Enabled)
	assert.Equal(t, "pro", tool.MinPlan)
	require.NotNil(t, tool.RateLimitPerMinute)
	assert.Equal(t, 10, *tool.RateLimitPerMinute)
	assert.Equal(t, model.Target{WorkflowID: "wf-pdf", Path: "/webhook/pdf-summary"}, tool.Target)
	assert.True(t, json.Valid(tool.InputSchema))

	email, ok := c.Tool("email_send")
	require.True(t, ok)
	assert.Equal(t, "email_send", email.Name, "name defaults to slug")
	assert.Nil(t, email.RateLimitPerMinute)

	crm, ok := c.Tool("crm_sync")
	require.True(t, ok)
	assert.False(t, crm.Enabled)

	_, ok = c.Tool("missing")
	assert.False(t, ok)

	wf, ok := c.Workflow("paused")
	require.True(t, ok)
	assert.False(t, wf.Enabled)
	assert.Equal(t, "paused", wf.Target.WorkflowID)

	slugs := []string{}
	for _, tool := range c.Tools() {
		slugs = append(slugs, tool.Slug)
	}
	assert.Equal(t, []string{"crm_sync", "email_send", "pdf_summary"}, slugs)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"duplicate slug": `
tools:
  - {slug: a, path: /a}
  - {slug: a, path: /b}
`,
		"missing path": `
tools:
  - {slug: a}
`,
		"bad slug": `
tools:
  - {slug: "Has Spaces", path: /a}
`,
		"unknown field": `
tools:
  - {slug: a, path: /a, colour: blue}
`,
		"bad schema": `
tools:
  - slug: a
    path: /a
    input_schema:
      type: 12
`,
		"workflow without id": `
workflows:
  - {path: /a}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := catalog.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestValidateInput(t *testing.T) {
	c, err := catalog.Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	assert.NoError(t, c.ValidateInput("pdf_summary", json.RawMessage(`{"url":"https://x/y.pdf","pages":3}`)))

	err = c.ValidateInput("pdf_summary", json.RawMessage(`{"pages":3}`))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	err = c.ValidateInput("pdf_summary", json.RawMessage(`{"url":"u","pages":0}`))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	err = c.ValidateInput("pdf_summary", nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput, "empty input is treated as {} and misses url")

	err = c.ValidateInput("pdf_summary", json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	assert.NoError(t, c.ValidateInput("email_send", json.RawMessage(`[1,2,3]`)), "no schema accepts anything")
}

func TestFile_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	f, err := catalog.Open(path, testutil.TestLogger())
	require.NoError(t, err)
	require.Len(t, f.Tools(), 3)

	require.NoError(t, os.WriteFile(path, []byte("tools: [ {slug: a"), 0o600))
	assert.Error(t, f.Reload())
	assert.Len(t, f.Tools(), 3)

	require.NoError(t, os.WriteFile(path, []byte("tools:\n  - {slug: only, path: /only}\n"), 0o600))
	require.NoError(t, f.Reload())
	assert.Len(t, f.Tools(), 1)
}

func TestFile_WatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	f, err := catalog.Open(path, testutil.TestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("tools:\n  - {slug: fresh, path: /fresh}\n"), 0o600))

	assert.Eventually(t, func() bool {
		_, ok := f.Tool("fresh")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}
