package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinkllo/autospider-go/internal/task"
)

func TestLoadProgressReturnsNilWhenAbsent(t *testing.T) {
	s := NewStore(t.TempDir())
	p, err := s.LoadProgress()
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSaveLoadProgressRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	want := task.CollectionProgress{
		Status:                  "running",
		ListURL:                 "https://example.com/list",
		TaskDescription:         "collect listings",
		CurrentPageNum:          3,
		CollectedCount:          42,
		BackoffLevel:            1,
		ConsecutiveSuccessPages: 2,
		LastUpdated:             time.Unix(1710000000, 0).UTC(),
	}
	require.NoError(t, s.SaveProgress(want))

	got, err := s.LoadProgress()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ListURL, got.ListURL)
	assert.Equal(t, want.CurrentPageNum, got.CurrentPageNum)
	assert.Equal(t, want.CollectedCount, got.CollectedCount)
	assert.True(t, want.LastUpdated.Equal(got.LastUpdated))
}

// TestSaveProgressIsAtomic confirms SaveProgress leaves no stray temp file
// behind after the write-then-rename and that progress.json holds the saved
// list URL.
func TestSaveProgressIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.SaveProgress(task.CollectionProgress{ListURL: "https://example.com"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, len(e.Name()) >= 5 && e.Name()[:5] == ".tmp-",
			"no leftover temp file should remain: %s", e.Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, "progress.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "https://example.com")
}

func TestLoadConfigReturnsNilWhenAbsent(t *testing.T) {
	s := NewStore(t.TempDir())
	cfg, err := s.LoadConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSaveLoadConfigRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	want := task.CollectionConfig{
		CommonDetailXPath: `//*[@id="detail"]/a`,
		PaginationXPath:   `//*[@id="next"]`,
		ListURL:           "https://example.com/list",
		TaskDescription:   "collect listings",
	}
	require.NoError(t, s.SaveConfig(want))

	got, err := s.LoadConfig()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.CommonDetailXPath, got.CommonDetailXPath)
	assert.Equal(t, want.PaginationXPath, got.PaginationXPath)
}

func TestAppendURLAndLoadCollectedURLsRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	set, err := s.LoadCollectedURLs()
	require.NoError(t, err)
	assert.Equal(t, 0, set.Cardinality())

	require.NoError(t, s.AppendURL("https://example.com/1"))
	require.NoError(t, s.AppendURL("https://example.com/2"))
	require.NoError(t, s.AppendURL("https://example.com/1")) // duplicate append is fine, set dedups

	set, err = s.LoadCollectedURLs()
	require.NoError(t, err)
	assert.Equal(t, 2, set.Cardinality())
	assert.True(t, set.Contains("https://example.com/1"))
	assert.True(t, set.Contains("https://example.com/2"))
}
