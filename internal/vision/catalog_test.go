package vision

import (
	"testing"

	"gocv.io/x/gocv"
)

// texturedMat returns a noisy 3-channel BGR image with enough corner-like
// structure for ORB to find well over the 10-keypoint floor Prepare enforces.
func texturedMat(size int) gocv.Mat {
	m := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC3)
	mean := gocv.NewScalar(128, 128, 128, 0)
	stddev := gocv.NewScalar(60, 60, 60, 0)
	gocv.RandN(&m, mean, stddev)
	return m
}

func TestTargetCatalogAddAndGet(t *testing.T) {
	c := NewTargetCatalog(5)
	pool := NewResourcePool()
	img := texturedMat(200)
	defer img.Close()

	if err := c.Add("t1", "first", img, DefaultPrepareOpts(300), pool); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	got, ok := c.Get("t1")
	if !ok || got.Name != "first" {
		t.Fatalf("Get(t1) = %+v, %v", got, ok)
	}
	if c.Active() != "t1" {
		t.Errorf("Active() = %q, want first target to become active", c.Active())
	}
}

func TestTargetCatalogRejectsDuplicateID(t *testing.T) {
	c := NewTargetCatalog(5)
	pool := NewResourcePool()
	img := texturedMat(200)
	defer img.Close()

	if err := c.Add("t1", "first", img, DefaultPrepareOpts(300), pool); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add("t1", "dup", img, DefaultPrepareOpts(300), pool); err == nil {
		t.Fatal("expected an error adding a duplicate target id")
	}
}

func TestTargetCatalogEnforcesCapacity(t *testing.T) {
	c := NewTargetCatalog(1)
	pool := NewResourcePool()
	img := texturedMat(200)
	defer img.Close()

	if err := c.Add("t1", "first", img, DefaultPrepareOpts(300), pool); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add("t2", "second", img, DefaultPrepareOpts(300), pool); err != ErrCatalogFull {
		t.Fatalf("Add at capacity = %v, want ErrCatalogFull", err)
	}
}

func TestTargetCatalogRemovePromotesNextActive(t *testing.T) {
	c := NewTargetCatalog(5)
	pool := NewResourcePool()
	img := texturedMat(200)
	defer img.Close()

	_ = c.Add("t1", "first", img, DefaultPrepareOpts(300), pool)
	_ = c.Add("t2", "second", img, DefaultPrepareOpts(300), pool)

	if !c.Remove("t1") {
		t.Fatal("Remove(t1) = false, want true")
	}
	if c.Active() != "t2" {
		t.Errorf("Active() = %q, want t2 promoted after removing t1", c.Active())
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	if c.Remove("t1") {
		t.Error("Remove of an already-removed id should return false")
	}
}

func TestTargetCatalogSetActiveUnknownID(t *testing.T) {
	c := NewTargetCatalog(5)
	if err := c.SetActive("nope"); err != ErrTargetNotFound {
		t.Fatalf("SetActive(unknown) = %v, want ErrTargetNotFound", err)
	}
}
