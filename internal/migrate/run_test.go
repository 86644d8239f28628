package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilesSorted(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "0001_jobs.sql", files[0])
	for i := 1; i < len(files); i++ {
		assert.Less(t, files[i-1], files[i])
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	for _, f := range files {
		body, err := migrationsFS.ReadFile("migrations/" + f)
		require.NoError(t, err)
		assert.NotEmpty(t, body, f)
	}
}
