// Package imgrec contains an image recorder used to automatically save field and guide frames to disk.
package imgrec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.jpl.nasa.gov/bdube/autoguider/field"
	"github.jpl.nasa.gov/bdube/autoguider/generichttp"
	"github.jpl.nasa.gov/bdube/autoguider/guide"
	"github.jpl.nasa.gov/bdube/autoguider/server"
)

// Recorder records image sequences with incrementing filenames in yyyy-mm-dd subfolders.
// It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format.
	timeFldr string

	// Enabled turns RecordField and RecordGuide on
	Enabled bool
}

// updateFolder checks the current time and updates the folder as needed
func (r *Recorder) updateFolder() {
	now := time.Now().UTC()
	y, m, d := now.Year(), now.Month(), now.Day()
	fldr := fmt.Sprintf("%04d-%02d-%02d", y, m, d)
	if fldr != r.timeFldr {
		r.timeFldr = fldr
		r.counter = 0
	}
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Write implements io.Writer and writes the contents of a fits file to the
// next file in the sequence.  p must be the whole file.
func (r *Recorder) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, n, err = r.write(p)
	return n, err
}

// write saves p to the next file and returns its name
func (r *Recorder) write(p []byte) (string, int, error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", 0, err
	}
	if r.counter == 0 {
		r.incr(fldr)
	}
	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	r.counter++
	fid, err := os.OpenFile(fn, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	if err != nil {
		return fn, 0, err
	}
	defer fid.Close()
	n, err := fid.Write(p)
	return fn, n, err
}

// Incr updates the filename counter; it scans the folder to do so.  If there is an error, the counter is not incremented
func (r *Recorder) Incr() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	dn, err := r.mkDir()
	if err != nil {
		return
	}
	r.incr(dn)
}

func (r *Recorder) incr(dn string) {
	files, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}

// Folder returns the folder today's frames are written to
func (r *Recorder) Folder() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	return path.Join(r.Root, r.timeFldr)
}

func (r *Recorder) enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}

func (r *Recorder) save(cards []fitsio.Card, img []float32, ncols, nrows int) error {
	buf := &bytes.Buffer{}
	if err := WriteFitsFloat(buf, cards, img, ncols, nrows); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, err := r.write(buf.Bytes())
	return err
}

// RecordField implements field.FrameRecorder.  It does nothing unless Enabled.
func (r *Recorder) RecordField(f field.Frame, img []float32, ncols, nrows int) error {
	if !r.enabled() {
		return nil
	}
	cards := []fitsio.Card{
		{Name: "OBSTYPE", Value: "FIELD"},
		{Name: "DATE-OBS", Value: f.Start.UTC().Format("2006-01-02T15:04:05.000"), Comment: "exposure start, UTC"},
		{Name: "EXPTIME", Value: float64(f.ExposureMs) / 1e3, Comment: "seconds"},
		{Name: "AGID", Value: f.ID, Comment: "field id"},
		{Name: "AGSESS", Value: f.Session},
		{Name: "FRAMENUM", Value: f.Number},
		{Name: "NOBJECTS", Value: f.Objects},
	}
	return r.save(cards, img, ncols, nrows)
}

// RecordGuide implements guide.FrameRecorder.  It does nothing unless Enabled.
func (r *Recorder) RecordGuide(f guide.Frame, img []float32, ncols, nrows int) error {
	if !r.enabled() {
		return nil
	}
	cards := []fitsio.Card{
		{Name: "OBSTYPE", Value: "GUIDE"},
		{Name: "DATE-OBS", Value: f.Start.UTC().Format("2006-01-02T15:04:05.000"), Comment: "exposure start, UTC"},
		{Name: "EXPTIME", Value: float64(f.ExposureMs) / 1e3, Comment: "seconds"},
		{Name: "AGID", Value: f.ID, Comment: "guide id"},
		{Name: "AGSESS", Value: f.Session},
		{Name: "FRAMENUM", Value: f.Number},
		{Name: "CADENCE", Value: f.Cadence.Seconds(), Comment: "seconds"},
		{Name: "WINXSTRT", Value: f.Window.XStart},
		{Name: "WINYSTRT", Value: f.Window.YStart},
		{Name: "WINXEND", Value: f.Window.XEnd},
		{Name: "WINYEND", Value: f.Window.YEnd},
		{Name: "NOBJECTS", Value: f.Objects},
	}
	if f.Objects > 0 {
		cards = append(cards,
			fitsio.Card{Name: "CENTX", Value: f.Star.CCDX, Comment: "guide star CCD X"},
			fitsio.Card{Name: "CENTY", Value: f.Star.CCDY, Comment: "guide star CCD Y"},
			fitsio.Card{Name: "FWHM", Value: f.Star.FWHM(), Comment: "pixels"})
	}
	return r.save(cards, img, ncols, nrows)
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := h.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Root = str.Str
	rec.counter = 0
	rec.updateFolder()
	_, err = rec.mkDir()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := server.HumanPayload{T: types.String, String: h.Recorder.Root}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetPrefix updates the filename prefix of the recorder
func (h HTTPWrapper) SetPrefix(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Prefix = str.Str
	h.Recorder.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := server.HumanPayload{T: types.String, String: h.Recorder.Prefix}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// GetEnabled returns the Recorder's Enabled field
func (h HTTPWrapper) GetEnabled(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: h.Recorder.enabled()}
	hp.EncodeAndRespond(w, r)
}

// SetEnabled sets the recorder's Enabled field
func (h HTTPWrapper) SetEnabled(w http.ResponseWriter, r *http.Request) {
	bT := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&bT)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Enabled = bT.Bool
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetFile serves a recorded file from today's folder by name
func (h HTTPWrapper) GetFile(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithFile(w, r, path.Base(r.URL.Path), h.Recorder.Folder())
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix
// and /autowrite/enabled, and GET /autowrite/files/{name}, to the HTTPer
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = h.SetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = h.SetPrefix
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = h.GetPrefix
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = h.SetEnabled
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = h.GetEnabled
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/files/{name}"}] = h.GetFile
}
