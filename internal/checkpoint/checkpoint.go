// Package checkpoint persists CollectionProgress and the growing set of
// collected detail URLs to disk so a crashed or interrupted run can
// resume. Progress is written atomically (temp file + rename) so a crash
// mid-write never corrupts the last good checkpoint; urls.txt is append-
// only so collected URLs are never rewritten wholesale.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/pinkllo/autospider-go/internal/autoerr"
	"github.com/pinkllo/autospider-go/internal/task"
)

// Store owns one run's checkpoint files under dir.
type Store struct {
	dir             string
	progressPath    string
	urlsPath        string
	configPath      string
}

func NewStore(dir string) *Store {
	return &Store{
		dir:          dir,
		progressPath: filepath.Join(dir, "progress.json"),
		urlsPath:     filepath.Join(dir, "urls.txt"),
		configPath:   filepath.Join(dir, "collection_config.json"),
	}
}

func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return autoerr.NewCheckpoint(s.dir, err)
	}
	return nil
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partially-written file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return autoerr.NewCheckpoint(path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return autoerr.NewCheckpoint(path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return autoerr.NewCheckpoint(path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return autoerr.NewCheckpoint(path, err)
	}
	return nil
}

// SaveProgress atomically overwrites the progress checkpoint.
func (s *Store) SaveProgress(p task.CollectionProgress) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.progressPath, data)
}

// LoadProgress reads the last saved progress, or (nil, nil) if none exists.
func (s *Store) LoadProgress() (*task.CollectionProgress, error) {
	data, err := os.ReadFile(s.progressPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, autoerr.NewCheckpoint(s.progressPath, err)
	}
	var p task.CollectionProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, autoerr.NewCheckpoint(s.progressPath, err)
	}
	return &p, nil
}

// SaveConfig atomically overwrites the exploration's CollectionConfig, so a
// resumed run does not need to re-explore.
func (s *Store) SaveConfig(cfg task.CollectionConfig) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.configPath, data)
}

// LoadConfig reads a previously saved CollectionConfig, or (nil, nil) if
// none exists.
func (s *Store) LoadConfig() (*task.CollectionConfig, error) {
	data, err := os.ReadFile(s.configPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, autoerr.NewCheckpoint(s.configPath, err)
	}
	var cfg task.CollectionConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, autoerr.NewCheckpoint(s.configPath, err)
	}
	return &cfg, nil
}

// AppendURL appends one collected URL to the append-only log. The file is
// never rewritten wholesale; only ever opened in append mode.
func (s *Store) AppendURL(url string) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.urlsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return autoerr.NewCheckpoint(s.urlsPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(url + "\n"); err != nil {
		return autoerr.NewCheckpoint(s.urlsPath, err)
	}
	return nil
}

// LoadCollectedURLs reads the full append-only log into a set, for resume
// coordination and in-page duplicate detection.
func (s *Store) LoadCollectedURLs() (mapset.Set[string], error) {
	set := mapset.NewSet[string]()
	f, err := os.Open(s.urlsPath)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, autoerr.NewCheckpoint(s.urlsPath, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			set.Add(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, autoerr.NewCheckpoint(s.urlsPath, err)
	}
	return set, nil
}
