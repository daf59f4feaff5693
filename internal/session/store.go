package session

import "sync"

// Artifact is the cached output of one inference run for one image.
type Artifact struct {
	// Primary is the overlay image, PNG encoded.
	Primary []byte
	// Secondary is the optional saliency-style image. Nil means not available.
	Secondary []byte
	// Metadata is the detection record returned by the adapter.
	Metadata map[string]any
}

// HasSecondary reports whether a secondary visualization is available.
func (a *Artifact) HasSecondary() bool {
	return a != nil && len(a.Secondary) > 0
}

// Source tells which image a preview cell shows.
type Source string

const (
	SourceOriginal Source = "original"
	SourceOverlay  Source = "overlay"
)

// Store keeps the images uploaded into one session and the artifacts produced
// for them. Names are unique and never removed. Byte slices are copied on the
// way in and on the way out so callers cannot mutate stored data.
type Store struct {
	mu        sync.RWMutex
	order     []string
	originals map[string][]byte
	artifacts map[string]*Artifact
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		originals: make(map[string][]byte),
		artifacts: make(map[string]*Artifact),
	}
}

// AddImage stores data under name unless name is already present. The first
// upload wins; it reports whether the image was added.
func (s *Store) AddImage(name string, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.originals[name]; exists {
		return false
	}
	s.originals[name] = clone(data)
	s.order = append(s.order, name)
	return true
}

// Original returns the uploaded bytes for name.
func (s *Store) Original(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.originals[name]
	if !ok {
		return nil, &NotFoundError{Kind: KindImage, Name: name}
	}
	return clone(data), nil
}

// PutArtifact stores artifact for name, replacing any previous one.
func (s *Store) PutArtifact(name string, artifact Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[name] = &Artifact{
		Primary:   clone(artifact.Primary),
		Secondary: clone(artifact.Secondary),
		Metadata:  cloneMetadata(artifact.Metadata),
	}
}

// Artifact returns a copy of the latest artifact for name, if any run has
// completed for it.
func (s *Store) Artifact(name string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[name]
	if !ok {
		return nil, false
	}
	return &Artifact{
		Primary:   clone(a.Primary),
		Secondary: clone(a.Secondary),
		Metadata:  cloneMetadata(a.Metadata),
	}, true
}

// Names lists the uploaded image names in upload order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of uploaded images.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Preview returns what a gallery cell for name should display: the overlay
// once a run has completed, the original before that.
func (s *Store) Preview(name string) ([]byte, Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.artifacts[name]; ok && len(a.Primary) > 0 {
		return clone(a.Primary), SourceOverlay, nil
	}
	data, ok := s.originals[name]
	if !ok {
		return nil, "", &NotFoundError{Kind: KindImage, Name: name}
	}
	return clone(data), SourceOriginal, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// cloneMetadata deep-copies the nested maps and slices of a detection
// record. Scalars are shared.
func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMetadata(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return clone(t)
	case []int:
		return append([]int(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
