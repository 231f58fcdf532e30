package artifact

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"seqreg/internal/transform"
	"seqreg/internal/volume"
)

func TestLayoutNaming(t *testing.T) {
	l := NewLayout("/out", transform.Deformable)
	k := Key{Input: "/data/emb_ch0.inr.gz", Float: 0, Ref: 10}

	if got := l.ImagePath(k); got != "/out/deformable_registrations/emb_ch0_t0_on_t10_deformable.inr.gz" {
		t.Fatalf("image path %q", got)
	}
	if got := l.TransformPath(k); got != "/out/deformable_registrations/emb_ch0_t0_on_t10_deformable.trsf" {
		t.Fatalf("transform path %q", got)
	}
}

func TestShouldCompute(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.trsf")
	if !ShouldCompute(path, false) {
		t.Fatalf("missing file must be computed")
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ShouldCompute(path, false) {
		t.Fatalf("existing file must be reused")
	}
	if !ShouldCompute(path, true) {
		t.Fatalf("force must recompute")
	}
	if !ShouldCompute(dir, false) {
		t.Fatalf("a directory is not an artifact")
	}
}

func TestWriteAtomicLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.inr")
	boom := errors.New("boom")

	err := WriteAtomic(path, func(w io.Writer) error {
		_, _ = w.Write([]byte("#INRIMAGE-4#{ partial"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if Exists(path) {
		t.Fatalf("partial artifact visible")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestWriteAtomicReplacesWholesale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.trsf")
	for _, body := range []string{"first version, long", "second"} {
		body := body
		if err := WriteAtomic(path, func(w io.Writer) error {
			_, err := io.WriteString(w, body)
			return err
		}); err != nil {
			t.Fatal(err)
		}
	}
	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Fatalf("got %q", data)
	}
}

func TestTransformStoreRoundTripsThroughDisk(t *testing.T) {
	store := TransformStore{Layout: NewLayout(t.TempDir(), transform.Rigid)}
	k := Key{Input: "t1.inr", Float: 1, Ref: 2}
	if store.Exists(k) {
		t.Fatalf("fresh store should be empty")
	}
	want := transform.Translation(0, 1, [3]float64{1, 2, 3})
	if err := store.Save(k, want); err != nil {
		t.Fatal(err)
	}
	if !store.Exists(k) {
		t.Fatalf("saved transform not found")
	}
	got, err := store.Load(k, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != 0 || got.Target != 1 || got.Matrix.At(2, 3) != 3 {
		t.Fatalf("unexpected transform %+v", got)
	}
}

func TestWriteImageAndDigest(t *testing.T) {
	dir := t.TempDir()
	im := volume.New([3]int{3, 3, 3}, [3]float64{1, 1, 1}, 1, volume.Uint8)
	im.Data[5] = 9
	path := filepath.Join(dir, "reg.inr")
	if err := WriteImage(path, im); err != nil {
		t.Fatal(err)
	}
	d1, err := Digest(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteImage(path, im); err != nil {
		t.Fatal(err)
	}
	d2, _ := Digest(path)
	if d1 != d2 {
		t.Fatalf("same image should encode identically")
	}
	if n, err := CleanTemp(dir); err != nil || n != 0 {
		t.Fatalf("CleanTemp = %d, %v", n, err)
	}
}
