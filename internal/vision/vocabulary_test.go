package vision

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func syntheticTarget(id string, fill byte, n int) *ReferenceTarget {
	descs := make([][]byte, n)
	kps := make([]Keypoint, n)
	for i := range descs {
		descs[i] = []byte{fill, fill, fill, fill}
		kps[i] = Keypoint{X: float32(i), Y: float32(i)}
	}
	return &ReferenceTarget{
		ID:        id,
		Processed: true,
		Data:      DescriptorSet{Keypoints: kps, Descriptors: descs, Width: 4},
	}
}

func TestVocabularyQueryReturnsAllWhenCatalogSmall(t *testing.T) {
	v := NewVocabularyIndex(4, 2)
	targets := []*ReferenceTarget{
		syntheticTarget("a", 0x00, 20),
		syntheticTarget("b", 0xff, 20),
	}
	if err := v.Build(targets); err != nil {
		t.Fatalf("Build: %v", err)
	}
	ids := []string{"a", "b"}
	got := v.Query(targets[0].Data, ids, 5)
	if len(got) != 2 {
		t.Fatalf("expected all %d ids back below the 5-target floor, got %d", len(ids), len(got))
	}
}

func TestVocabularyQueryRanksClosestTargetFirst(t *testing.T) {
	v := NewVocabularyIndex(4, 2)
	var targets []*ReferenceTarget
	fills := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	for i, f := range fills {
		targets = append(targets, syntheticTarget(string(rune('a'+i)), f, 30))
	}
	if err := v.Build(targets); err != nil {
		t.Fatalf("Build: %v", err)
	}

	ids := make([]string, len(targets))
	for i, tg := range targets {
		ids[i] = tg.ID
	}

	got := v.Query(targets[0].Data, ids, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0] != targets[0].ID {
		t.Errorf("expected the query's own target to rank first, got %q", got[0])
	}
}

func TestVectorForMatchesBuiltVocabulary(t *testing.T) {
	v := NewVocabularyIndex(4, 2)
	targets := []*ReferenceTarget{
		syntheticTarget("a", 0x00, 20),
		syntheticTarget("b", 0xff, 20),
		syntheticTarget("c", 0x0f, 20),
		syntheticTarget("d", 0xf0, 20),
		syntheticTarget("e", 0x55, 20),
	}
	require.NoError(t, v.Build(targets))

	vec := v.VectorFor("a")
	require.NotNil(t, vec, "expected a non-nil TF-IDF vector for a built target")
	require.Len(t, vec, v.words())
	require.Nil(t, v.VectorFor("nonexistent"), "expected nil vector for an id absent from the index")
}

func TestVocabularyBuildEmptyCatalog(t *testing.T) {
	v := NewVocabularyIndex(4, 2)
	if err := v.Build(nil); err != nil {
		t.Fatalf("Build(nil) should not error: %v", err)
	}
	if got := v.Query(DescriptorSet{}, nil, 5); len(got) != 0 {
		t.Errorf("expected no ids from an empty vocabulary, got %v", got)
	}
}
