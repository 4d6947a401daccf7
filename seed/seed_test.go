package seed_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consoul-dev/consoul-hooks/seed"
	"github.com/consoul-dev/consoul-hooks/webhook/memory"
	"github.com/consoul-dev/consoul-hooks/webhook/safeurl"
	"github.com/consoul-dev/consoul-hooks/webhook/signature"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "webhooks-*.yaml")
	require.NoError(t, err)
	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func TestSeederLoad(t *testing.T) {
	t.Run("success - valid webhooks file", func(t *testing.T) {
		content := `
webhooks:
  - id: "hook-ci"
    owner_id: "team-platform"
    url: "http://127.0.0.1:9999/hooks/ci"
    secret: "whsec_seeded_secret"
    event_types:
      - "chat.completed"
      - "chat.failed"
  - id: "hook-batch"
    owner_id: "team-data"
    url: "http://127.0.0.1:9999/hooks/batch"
    event_types:
      - "batch.completed"
    enabled: false
`
		path := writeTempFile(t, content)
		repo := memory.NewRepository()
		seeder := seed.New(repo, safeurl.New(safeurl.WithAllowLocalhost(true)))

		created, err := seeder.Load(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, 2, created)

		wh, err := repo.Get(context.Background(), "hook-ci")
		require.NoError(t, err)
		assert.Equal(t, "team-platform", wh.OwnerID)
		assert.Equal(t, "whsec_seeded_secret", wh.Secret)
		assert.True(t, wh.Enabled)

		wh, err = repo.Get(context.Background(), "hook-batch")
		require.NoError(t, err)
		assert.False(t, wh.Enabled)
		// Omitted secret gets generated.
		assert.Contains(t, wh.Secret, signature.SecretPrefix)
	})

	t.Run("existing webhooks are left untouched", func(t *testing.T) {
		content := `
webhooks:
  - id: "hook-ci"
    owner_id: "team-platform"
    url: "http://127.0.0.1:9999/hooks/ci"
    secret: "whsec_from_file"
    event_types: ["chat.completed"]
`
		path := writeTempFile(t, content)
		repo := memory.NewRepository()
		seeder := seed.New(repo, safeurl.New(safeurl.WithAllowLocalhost(true)))

		created, err := seeder.Load(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, 1, created)

		// A second load is a no-op.
		created, err = seeder.Load(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, 0, created)
	})

	t.Run("error - unsafe url", func(t *testing.T) {
		content := `
webhooks:
  - id: "hook-bad"
    owner_id: "team-x"
    url: "https://169.254.169.254/hook"
    event_types: ["chat.completed"]
`
		path := writeTempFile(t, content)
		repo := memory.NewRepository()
		seeder := seed.New(repo, safeurl.New())

		_, err := seeder.Load(context.Background(), path)
		assert.ErrorContains(t, err, "hook-bad")
	})

	t.Run("error - malformed secret", func(t *testing.T) {
		content := `
webhooks:
  - id: "hook-bad"
    owner_id: "team-x"
    url: "http://127.0.0.1:9999/hook"
    secret: "plaintext"
    event_types: ["chat.completed"]
`
		path := writeTempFile(t, content)
		repo := memory.NewRepository()
		seeder := seed.New(repo, safeurl.New(safeurl.WithAllowLocalhost(true)))

		_, err := seeder.Load(context.Background(), path)
		assert.ErrorContains(t, err, "whsec_")
	})

	t.Run("error - missing file", func(t *testing.T) {
		repo := memory.NewRepository()
		seeder := seed.New(repo, safeurl.New())

		_, err := seeder.Load(context.Background(), "does-not-exist.yaml")
		assert.Error(t, err)
	})
}
