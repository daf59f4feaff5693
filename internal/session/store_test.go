package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AddImageFirstWriteWins(t *testing.T) {
	s := NewStore()

	require.True(t, s.AddImage("reef.png", []byte("first")))
	require.False(t, s.AddImage("reef.png", []byte("second")))

	got, err := s.Original("reef.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
	assert.Equal(t, []string{"reef.png"}, s.Names())
}

func TestStore_OriginalReturnsExactBytes(t *testing.T) {
	s := NewStore()
	inputs := map[string][]byte{
		"a.png": {0x89, 0x50, 0x4e, 0x47},
		"b.jpg": {0xff, 0xd8, 0xff},
		"empty": {},
	}
	for name, data := range inputs {
		s.AddImage(name, data)
	}
	for name, data := range inputs {
		got, err := s.Original(name)
		require.NoError(t, err)
		assert.Equal(t, data, got, name)
	}
}

func TestStore_OriginalUnknownName(t *testing.T) {
	s := NewStore()

	_, err := s.Original("missing.png")

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, KindImage, nf.Kind)
	assert.Equal(t, "missing.png", nf.Name)
}

func TestStore_CopiesOnWriteAndRead(t *testing.T) {
	s := NewStore()
	data := []byte("hello")
	s.AddImage("x", data)
	data[0] = 'H'

	got, err := s.Original("x")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got[0] = 'J'
	again, _ := s.Original("x")
	assert.Equal(t, "hello", string(again))

	meta := map[string]any{
		"detections": []any{map[string]any{"label": "coral_bleached", "bbox": []any{1, 2, 3, 4}}},
		"segmentation": map[string]any{"coverage_pct": 42.3},
	}
	s.PutArtifact("x", Artifact{Primary: []byte("p"), Metadata: meta})
	meta["segmentation"].(map[string]any)["coverage_pct"] = 0.0
	meta["detections"].([]any)[0].(map[string]any)["label"] = "changed by adapter"

	stored, ok := s.Artifact("x")
	require.True(t, ok)
	det := stored.Metadata["detections"].([]any)[0].(map[string]any)
	assert.Equal(t, "coral_bleached", det["label"])
	assert.Equal(t, 42.3, stored.Metadata["segmentation"].(map[string]any)["coverage_pct"])

	det["label"] = "changed by reader"
	det["bbox"].([]any)[0] = 99
	fresh, _ := s.Artifact("x")
	freshDet := fresh.Metadata["detections"].([]any)[0].(map[string]any)
	assert.Equal(t, "coral_bleached", freshDet["label"])
	assert.Equal(t, 1, freshDet["bbox"].([]any)[0])
}

func TestStore_ArtifactLifecycle(t *testing.T) {
	s := NewStore()
	s.AddImage("a", []byte("orig"))

	_, ok := s.Artifact("a")
	require.False(t, ok)

	s.PutArtifact("a", Artifact{Primary: []byte("v1"), Metadata: map[string]any{"run": 1}})
	s.PutArtifact("a", Artifact{Primary: []byte("v2"), Secondary: []byte("heat")})

	got, ok := s.Artifact("a")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got.Primary)
	assert.Equal(t, []byte("heat"), got.Secondary)
	assert.Nil(t, got.Metadata, "artifacts are overwritten, not merged")
	assert.True(t, got.HasSecondary())
}

func TestStore_PutArtifactCreatesEntryForUnknownName(t *testing.T) {
	s := NewStore()
	s.PutArtifact("ghost", Artifact{Primary: []byte("p")})

	got, ok := s.Artifact("ghost")
	require.True(t, ok)
	assert.False(t, got.HasSecondary())
	assert.Empty(t, s.Names())
}

func TestStore_PrimaryRoundTripsByteIdentical(t *testing.T) {
	s := NewStore()
	primary := make([]byte, 256)
	for i := range primary {
		primary[i] = byte(i)
	}
	s.PutArtifact("a", Artifact{Primary: primary})

	got, ok := s.Artifact("a")
	require.True(t, ok)
	assert.Equal(t, primary, got.Primary)
}

func TestStore_PreviewPrefersOverlay(t *testing.T) {
	s := NewStore()
	s.AddImage("a", []byte("orig"))

	data, src, err := s.Preview("a")
	require.NoError(t, err)
	assert.Equal(t, SourceOriginal, src)
	assert.Equal(t, []byte("orig"), data)

	s.PutArtifact("a", Artifact{Primary: []byte("overlay")})
	data, src, err = s.Preview("a")
	require.NoError(t, err)
	assert.Equal(t, SourceOverlay, src)
	assert.Equal(t, []byte("overlay"), data)

	_, _, err = s.Preview("nope")
	require.Error(t, err)
}

func TestStore_ListedNamesAlwaysResolve(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.AddImage(fmt.Sprintf("img-%d", i%20), []byte{byte(i)})
			for _, n := range s.Names() {
				if _, err := s.Original(n); err != nil {
					t.Errorf("dangling name %q: %v", n, err)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, s.Len())
}
