package imgrec

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"

	"github.jpl.nasa.gov/bdube/autoguider/calib"
	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/field"
	"github.jpl.nasa.gov/bdube/autoguider/guide"
)

func TestWriteFitsRoundTrip(t *testing.T) {
	data := []uint16{0, 1, 32767, 32768, 65535, 1000}
	fn := filepath.Join(t.TempDir(), "raw.fits")
	fid, err := os.Create(fn)
	if err != nil {
		t.Fatal(err)
	}
	if err = WriteFits(fid, nil, data, 3, 2); err != nil {
		t.Fatal(err)
	}
	fid.Close()

	fr, err := calib.FITSLoader{}.Load(fn)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]float32, len(data))
	for i, v := range data {
		want[i] = float32(v)
	}
	if fr.NCols != 3 || fr.NRows != 2 {
		t.Errorf("expected 3x2 got %dx%d", fr.NCols, fr.NRows)
	}
	if diff := cmp.Diff(want, fr.Data); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteFitsSizeMismatch(t *testing.T) {
	if err := WriteFitsFloat(&bytes.Buffer{}, nil, make([]float32, 5), 3, 2); err == nil {
		t.Error("expected an error for a 5 pixel 3x2 frame")
	}
}

func TestRecorderSequence(t *testing.T) {
	r := &Recorder{Root: t.TempDir(), Prefix: "ag"}
	img := []float32{1, 2, 3, 4}
	f := guide.Frame{Session: "s", ID: 1, Number: 0, Start: time.Now(), ExposureMs: 100,
		Window: camera.Window{XStart: 0, YStart: 0, XEnd: 1, YEnd: 1}}

	// disabled: nothing written
	if err := r.RecordGuide(f, img, 2, 2); err != nil {
		t.Fatal(err)
	}
	if files, _ := os.ReadDir(r.Folder()); len(files) != 0 {
		t.Fatalf("expected no files while disabled got %d", len(files))
	}

	r.Enabled = true
	if err := r.RecordGuide(f, img, 2, 2); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordField(field.Frame{ExposureMs: 200, Start: time.Now()}, img, 2, 2); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"ag000001.fits", "ag000002.fits"} {
		fn := filepath.Join(r.Folder(), name)
		fr, err := calib.FITSLoader{}.Load(fn)
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if diff := cmp.Diff(img, fr.Data); diff != "" {
			t.Errorf("%s data mismatch (-want +got):\n%s", name, diff)
		}
	}

	fid, err := os.Open(filepath.Join(r.Folder(), "ag000002.fits"))
	if err != nil {
		t.Fatal(err)
	}
	defer fid.Close()
	ff, err := fitsio.Open(fid)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	if c := ff.HDU(0).Header().Get("OBSTYPE"); c == nil || c.Value != "FIELD" {
		t.Errorf("expected OBSTYPE FIELD got %v", c)
	}
}

func TestIncrResumesAfterExistingFiles(t *testing.T) {
	r := &Recorder{Root: t.TempDir(), Prefix: "ag"}
	dir := r.Folder()
	if err := os.MkdirAll(dir, 0777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ag000041.fits"), nil, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ag000042.fits")); err != nil {
		t.Errorf("expected ag000042.fits to be written: %v", err)
	}
}
