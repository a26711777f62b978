package estimator

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/WessleyAI/tyrefit/engine/domain"
)

// Path returns where the artifact of kind k lives under dir.
func Path(dir string, k Kind) string {
	return filepath.Join(dir, string(k)+".artifact.json.gz")
}

// Save writes a as gzip-compressed JSON. The file is written under a
// temporary name and renamed, so readers never see a partial artifact.
func Save(dir string, a *Artifact) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("estimator: save %s: %w", a.Kind, err)
	}
	path := Path(dir, a.Kind)
	tmp, err := os.CreateTemp(dir, "."+string(a.Kind)+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("estimator: save %s: %w", a.Kind, err)
	}
	defer os.Remove(tmp.Name())

	gw := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gw).Encode(a); err != nil {
		tmp.Close()
		return "", fmt.Errorf("estimator: encode %s: %w", a.Kind, err)
	}
	if err := gw.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("estimator: compress %s: %w", a.Kind, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("estimator: save %s: %w", a.Kind, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("estimator: save %s: %w", a.Kind, err)
	}
	return path, nil
}

// Load reads and validates the artifact of kind k. A missing file is an
// ArtifactError wrapping domain.ErrArtifactMissing; an unreadable one wraps
// domain.ErrArtifactCorrupt; a codec that does not fit the current schema
// wraps domain.ErrSchemaMismatch.
func Load(dir string, k Kind) (*Artifact, error) {
	path := Path(dir, k)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &domain.ArtifactError{Kind: string(k), Path: path, Wrapped: domain.ErrArtifactMissing}
	}
	if err != nil {
		return nil, &domain.ArtifactError{Kind: string(k), Path: path, Wrapped: err}
	}
	defer f.Close()

	corrupt := func(err error) error {
		return &domain.ArtifactError{Kind: string(k), Path: path, Wrapped: fmt.Errorf("%w: %v", domain.ErrArtifactCorrupt, err)}
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, corrupt(err)
	}
	defer gr.Close()
	var a Artifact
	if err := json.NewDecoder(gr).Decode(&a); err != nil {
		return nil, corrupt(err)
	}
	if a.Kind != k {
		return nil, corrupt(fmt.Errorf("file holds a %q artifact", a.Kind))
	}
	if err := a.Validate(); err != nil {
		var aerr *domain.ArtifactError
		if errors.As(err, &aerr) {
			aerr.Path = path
		}
		return nil, err
	}
	return &a, nil
}
