package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// artifactNamePattern matches the artifact naming convention
// sentence_pipe_mae<score>_<timestamp>.json, e.g.
// sentence_pipe_mae1.555_2020-10-10_02h46m24s.json.
var artifactNamePattern = regexp.MustCompile(`^sentence_pipe_mae(\d+(?:\.\d+)?)_(\d{4}-\d{2}-\d{2}_\d{2}h\d{2}m\d{2}s)\.json$`)

const artifactTimeLayout = "2006-01-02_15h04m05s"

// Artifact describes a loadable model artifact on disk.
type Artifact struct {
	Path      string
	Name      string
	MAE       float64
	TrainedAt time.Time
}

// ParseArtifactName extracts metadata from an artifact file name.
func ParseArtifactName(filename string) (Artifact, error) {
	base := filepath.Base(filename)
	m := artifactNamePattern.FindStringSubmatch(base)
	if m == nil {
		return Artifact{}, fmt.Errorf("artifact name %q does not match sentence_pipe_mae<score>_<timestamp>.json", base)
	}
	mae, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Artifact{}, fmt.Errorf("parse artifact mae: %w", err)
	}
	trainedAt, err := time.Parse(artifactTimeLayout, m[2])
	if err != nil {
		return Artifact{}, fmt.Errorf("parse artifact timestamp: %w", err)
	}
	return Artifact{
		Path:      filename,
		Name:      strings.TrimSuffix(base, filepath.Ext(base)),
		MAE:       mae,
		TrainedAt: trainedAt,
	}, nil
}

// DiscoverArtifact returns the newest artifact (by trained-at timestamp) in
// the given directory.
func DiscoverArtifact(dir string) (Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Artifact{}, fmt.Errorf("read model directory: %w", err)
	}
	var newest Artifact
	found := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		artifact, err := ParseArtifactName(entry.Name())
		if err != nil {
			continue
		}
		artifact.Path = filepath.Join(dir, entry.Name())
		if !found || artifact.TrainedAt.After(newest.TrainedAt) {
			newest = artifact
			found = true
		}
	}
	if !found {
		return Artifact{}, fmt.Errorf("no model artifact found in %s", dir)
	}
	return newest, nil
}

// Load reads and validates the pipeline encoded by the artifact.
func (a Artifact) Load() (*Pipeline, error) {
	return LoadPipeline(a.Path)
}
