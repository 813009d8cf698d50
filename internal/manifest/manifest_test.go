package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/david/sam-harvester/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_InventoryAndCounts(t *testing.T) {
	out := t.TempDir()
	attDir := filepath.Join(out, "attachments", "A1")
	require.NoError(t, os.MkdirAll(attDir, 0o755))
	onDisk := filepath.Join(attDir, "SOW.pdf")
	require.NoError(t, os.WriteFile(onDisk, []byte("%PDF"), 0o644))

	ok := models.NewOpportunityResult("https://sam.gov/opp/A1/view", "A1")
	ok.Attachments = []models.AttachmentInfo{
		{Name: "SOW", ResourceID: "r1", FileType: "pdf", Size: 4, LocalPath: onDisk},
	}
	bad := models.NewOpportunityResult("https://sam.gov/opp/B2/view", "B2")
	bad.Attachments = []models.AttachmentInfo{{Name: "Gone", URL: "https://x/gone.pdf", Error: "status 404"}}
	bad.AddError("attachment:Gone:status 404")

	m := Build("run-1", "in.csv", out, filepath.Join(out, "metadata", "sam-metadata.csv"), filepath.Join(out, "attachments"),
		[]*models.OpportunityResult{ok, bad})

	assert.Equal(t, Counts{Total: 2, Succeeded: 1, Failed: 1, AttachmentsOnDisk: 1}, m.Counts)
	require.Len(t, m.Opportunities, 2)

	first := m.Opportunities[0].Attachments[0]
	assert.True(t, first.Downloaded)
	assert.Equal(t, "attachments/A1/SOW.pdf", first.LocalPath)
	assert.Equal(t, models.StatusSuccess, m.Opportunities[0].Status)
	assert.Equal(t, []string{}, m.Opportunities[0].Errors)

	second := m.Opportunities[1].Attachments[0]
	assert.False(t, second.Downloaded)
	assert.Empty(t, second.LocalPath)
	assert.Equal(t, "status 404", second.Error)
	assert.Equal(t, models.StatusError, m.Opportunities[1].Status)
}

func TestWrite_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := Write(dir, &Manifest{RunID: string(rune('a' + i)), GeneratedAt: at})
		require.NoError(t, err)
		paths = append(paths, p)
	}

	assert.Equal(t, []string{
		filepath.Join(dir, "manifest-20260304-050607.json"),
		filepath.Join(dir, "manifest-20260304-050607-1.json"),
		filepath.Join(dir, "manifest-20260304-050607-2.json"),
	}, paths)

	first, err := Load(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "a", first.RunID)
}

func TestList_NewestFirst(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"manifest-20260101-000000.json", "manifest-20260301-000000.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}

	names, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"manifest-20260301-000000.json", "manifest-20260101-000000.json"}, names)

	missing, err := List(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestIsManifestName(t *testing.T) {
	assert.True(t, IsManifestName("manifest-20260301-000000.json"))
	assert.False(t, IsManifestName("../manifest-x.json"))
	assert.False(t, IsManifestName("sam-metadata.csv"))
}
