package vision

import (
	"testing"
)

func TestOrchestratorEmptyCatalogReturnsNoMode(t *testing.T) {
	catalog := NewTargetCatalog(5)
	vocab := NewVocabularyIndex(4, 2)
	o := NewTrackingOrchestrator(catalog, vocab, DefaultParams())
	pool := NewResourcePool()

	gray := texturedMat(200)
	defer gray.Close()

	result := o.ProcessFrame("s1", 1, gray, pool)
	if result.Success || result.Mode != ModeNone {
		t.Fatalf("ProcessFrame on empty catalog = %+v, want Success=false Mode=none", result)
	}
	if o.IsBusy("s1") {
		t.Error("IsBusy should be false once ProcessFrame has returned")
	}
}

func TestOrchestratorLocksOntoMatchingTargetAndThenFlows(t *testing.T) {
	catalog := NewTargetCatalog(5)
	pool := NewResourcePool()
	img := texturedMat(300)
	defer img.Close()

	if err := catalog.Add("target-1", "t", img, DefaultPrepareOpts(400), pool); err != nil {
		t.Fatalf("catalog.Add: %v", err)
	}
	vocab := NewVocabularyIndex(4, 2)
	if err := vocab.Build(catalog.List()); err != nil {
		t.Fatalf("vocab.Build: %v", err)
	}

	o := NewTrackingOrchestrator(catalog, vocab, DefaultParams())

	gray := ToGrayscale(img, pool)
	defer gray.Close()
	prepped := BlurAndEqualize(gray.Mat, pool)
	defer prepped.Close()

	first := o.ProcessFrame("s1", 1, prepped.Mat, pool)
	if !first.Success || first.Mode != ModeDetection || first.TargetID != "target-1" {
		t.Fatalf("first ProcessFrame (search) = %+v, want a successful detection on target-1", first)
	}

	second := o.ProcessFrame("s1", 2, prepped.Mat, pool)
	if !second.Success || second.Mode != ModeFlow {
		t.Fatalf("second ProcessFrame (track) = %+v, want a successful flow step", second)
	}

	o.CloseSession("s1")
	if o.IsBusy("s1") {
		t.Error("IsBusy should be false for a closed (recreated) session")
	}
}

func TestOrchestratorCloseSessionOnUnknownIDIsSafe(t *testing.T) {
	catalog := NewTargetCatalog(5)
	vocab := NewVocabularyIndex(4, 2)
	o := NewTrackingOrchestrator(catalog, vocab, DefaultParams())
	o.CloseSession("never-existed") // must not panic
}
