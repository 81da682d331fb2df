/*Package autoguider exposes an autoguider over HTTP.

Getters and setters of single values use the {"f64"|"int"|"str"|"bool": value}
payloads of the server package.  Operations that take time (field, expose,
autoguide on) run on the request goroutine and reply when they finish.
*/
package autoguider

import (
	"encoding/json"
	"fmt"
	"go/types"
	"image"
	"image/png"
	"net/http"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	core "github.jpl.nasa.gov/bdube/autoguider/autoguider"
	"github.jpl.nasa.gov/bdube/autoguider/buffer"
	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/cil"
	"github.jpl.nasa.gov/bdube/autoguider/generichttp"
	"github.jpl.nasa.gov/bdube/autoguider/imgrec"
	"github.jpl.nasa.gov/bdube/autoguider/server"
)

// ExposureLength is the payload of the exposure length routes
type ExposureLength struct {
	// Ms is the exposure length in milliseconds
	Ms int `json:"ms"`

	// Lock stops the engines changing the length
	Lock bool `json:"lock"`
}

// exposer is the exposure length interface of both engines
type exposer interface {
	SetExposureLength(ms int, lock bool) error
	ExposureLength() int
	IsExposureLengthLocked() bool
}

// toggler is the reduction toggle interface of both engines
type toggler interface {
	SetDarkSubtract(bool) error
	SetFlatField(bool) error
	SetObjectDetect(bool) error
	DarkSubtract() (bool, error)
	FlatField() (bool, error)
	ObjectDetect() (bool, error)
}

// HTTPAutoguider holds the route table of an autoguider
type HTTPAutoguider struct {
	ag *core.Autoguider

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPAutoguider returns a new HTTP wrapper around ag
func NewHTTPAutoguider(ag *core.Autoguider) HTTPAutoguider {
	h := HTTPAutoguider{ag: ag}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}:         h.Status,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/autoguide/on"}:  h.AutoguideOn,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/autoguide/off"}: h.AutoguideOff,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/field"}:         h.Field,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/field/expose"}:  h.Expose,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/field/status"}:   h.FieldStatus,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/guide/on"}:      h.GuideOn,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/guide/off"}:     h.GuideOff,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/guide/status"}:   h.GuideStatus,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/guide/window"}:   h.GetWindow,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/guide/window"}:  h.SetWindow,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/guide/packet"}:   h.GuidePacket,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/objects"}:        h.ObjectList,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/objects/count"}:  generichttp.GetInt(func() (int, error) { return ag.Objects.Count(), nil }),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/frame/{stream}"}: h.Frame,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/dark/lengths"}:   h.DarkLengths,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/cil/tcs/send"}:   generichttp.GetBool(func() (bool, error) { return ag.Emitter.GuidePacketSend(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/cil/tcs/send"}:  generichttp.SetBool(ag.Emitter.SetGuidePacketSend),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/cil/sdb/send"}:   generichttp.GetBool(func() (bool, error) { return ag.Emitter.SDBSend(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/cil/sdb/send"}:  generichttp.SetBool(ag.Emitter.SetSDBSend),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/config/{key}"}:   h.ConfigValue,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/config/reload"}: h.ConfigReload,
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/camera/temperature"}] = generichttp.GetFloat(func() (float64, error) {
		c, _, err := ag.Camera.Temperature()
		return c, err
	})
	bindEngine(rt, "/field", ag.Field, ag.Field)
	bindEngine(rt, "/guide", ag.Guide, ag.Guide)
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPAutoguider) RT() generichttp.RouteTable {
	return h.RouteTable
}

func bindEngine(rt generichttp.RouteTable, stem string, e exposer, t toggler) {
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: stem + "/exposure-length"}] = GetExposureLength(e)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: stem + "/exposure-length"}] = SetExposureLength(e)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: stem + "/dark-subtract"}] = generichttp.GetBool(t.DarkSubtract)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: stem + "/dark-subtract"}] = generichttp.SetBool(t.SetDarkSubtract)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: stem + "/flat-field"}] = generichttp.GetBool(t.FlatField)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: stem + "/flat-field"}] = generichttp.SetBool(t.SetFlatField)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: stem + "/object-detect"}] = generichttp.GetBool(t.ObjectDetect)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: stem + "/object-detect"}] = generichttp.SetBool(t.SetObjectDetect)
}

// GetExposureLength returns {"ms": length, "lock": locked}
func GetExposureLength(e exposer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server.ReplyWithJSON(w, ExposureLength{Ms: e.ExposureLength(), Lock: e.IsExposureLengthLocked()})
	}
}

// SetExposureLength parses {"ms": length, "lock": locked}
func SetExposureLength(e exposer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		el := ExposureLength{}
		err := json.NewDecoder(r.Body).Decode(&el)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = e.SetExposureLength(el.Ms, el.Lock); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Status replies with the status of the whole autoguider
func (h HTTPAutoguider) Status(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithJSON(w, h.ag.Status())
}

// FieldStatus replies with the status of the field engine
func (h HTTPAutoguider) FieldStatus(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithJSON(w, h.ag.Field.Status())
}

// GuideStatus replies with the status of the guide engine
func (h HTTPAutoguider) GuideStatus(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithJSON(w, h.ag.Guide.Status())
}

// AutoguideOn parses a core.Request and turns autoguiding on.  An empty
// body guides on the brightest object.
func (h HTTPAutoguider) AutoguideOn(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Mode string  `json:"mode"`
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
		Rank int     `json:"rank"`
	}{Mode: core.Brightest.String()}
	if r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	mode, err := core.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.ag.AutoguideOn(r.Context(), core.Request{Mode: mode, X: req.X, Y: req.Y, Rank: req.Rank})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// AutoguideOff turns autoguiding off
func (h HTTPAutoguider) AutoguideOff(w http.ResponseWriter, r *http.Request) {
	if err := h.ag.AutoguideOff(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Field runs a field operation
func (h HTTPAutoguider) Field(w http.ResponseWriter, r *http.Request) {
	if err := h.ag.Field.Field(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.ReplyWithJSON(w, h.ag.Field.Status())
}

// Expose takes a single field frame
func (h HTTPAutoguider) Expose(w http.ResponseWriter, r *http.Request) {
	if err := h.ag.Field.Expose(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GuideOn starts the guide loop on the current window and exposure length
func (h HTTPAutoguider) GuideOn(w http.ResponseWriter, r *http.Request) {
	if err := h.ag.Guide.On(r.Context(), cil.StateInteractiveOn); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GuideOff stops the guide loop
func (h HTTPAutoguider) GuideOff(w http.ResponseWriter, r *http.Request) {
	if err := h.ag.Guide.Off(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetWindow replies with the guide window
func (h HTTPAutoguider) GetWindow(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithJSON(w, h.ag.Guide.Window())
}

// SetWindow parses a camera.Window and sets the guide window
func (h HTTPAutoguider) SetWindow(w http.ResponseWriter, r *http.Request) {
	win := camera.Window{}
	err := json.NewDecoder(r.Body).Decode(&win)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.ag.Guide.SetWindow(win); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GuidePacket replies with the last guide packet as text
func (h HTTPAutoguider) GuidePacket(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ag.Emitter.LastGuidePacket()
	if !ok {
		http.Error(w, "no guide packet has been sent", http.StatusNotFound)
		return
	}
	hp := server.HumanPayload{T: types.String, String: p.String()}
	hp.EncodeAndRespond(w, r)
}

// ObjectList replies with the detected objects, as text unless ?fmt=json
func (h HTTPAutoguider) ObjectList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("fmt") == "json" {
		server.ReplyWithJSON(w, h.ag.Objects.List())
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, h.ag.Objects.ListString())
}

// DarkLengths replies with the exposure lengths darks exist for
func (h HTTPAutoguider) DarkLengths(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithJSON(w, h.ag.Dark.ExposureLengths())
}

// ConfigValue replies with the string form of a configuration key
func (h HTTPAutoguider) ConfigValue(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	s, err := h.ag.Config.String(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	hp := server.HumanPayload{T: types.String, String: s}
	hp.EncodeAndRespond(w, r)
}

// ConfigReload re-reads the configuration file
func (h HTTPAutoguider) ConfigReload(w http.ResponseWriter, r *http.Request) {
	if err := h.ag.Config.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Frame replies with the last completed frame of the field or guide stream.
// ?kind=raw|reduced selects the frame, reduced by default; ?fmt=fits|png
// the encoding, fits by default.  png is only available for raw frames.
func (h HTTPAutoguider) Frame(w http.ResponseWriter, r *http.Request) {
	var (
		s   buffer.Stream
		idx int
	)
	switch chi.URLParam(r, "stream") {
	case "field":
		s, idx = buffer.Field, h.ag.Field.LastBufferIndex()
	case "guide":
		s, idx = buffer.Guide, h.ag.Guide.LastBufferIndex()
	default:
		http.Error(w, "stream must be field or guide", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	kind, format := q.Get("kind"), q.Get("fmt")
	if kind == "" {
		kind = "reduced"
	}
	if format == "" {
		format = "fits"
	}
	g, err := h.ag.Buffers.Geometry(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	md, err := h.ag.Buffers.Metadata(s, idx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ncols, nrows := g.BinnedNCols, g.BinnedNRows
	cards := []fitsio.Card{
		{Name: "OBSTYPE", Value: s.String()},
		{Name: "DATE-OBS", Value: md.Start.UTC().Format("2006-01-02T15:04:05.000"), Comment: "exposure start, UTC"},
		{Name: "EXPTIME", Value: float64(md.LengthMs) / 1e3, Comment: "seconds"},
		{Name: "CCDATEMP", Value: md.Temperature, Comment: "Celcius"},
		{Name: "CCDXBIN", Value: g.XBin},
		{Name: "CCDYBIN", Value: g.YBin},
	}

	switch {
	case kind == "raw":
		img := make([]uint16, ncols*nrows)
		if err = h.ag.Buffers.RawCopy(s, idx, img); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if format == "png" {
			buf := make([]byte, len(img))
			for i := range img {
				buf[i] = byte(img[i] / 256) // scale 16 to 8 bits
			}
			im := &image.Gray{Pix: buf, Stride: ncols, Rect: image.Rect(0, 0, ncols, nrows)}
			w.Header().Set("Content-Type", "image/png")
			w.WriteHeader(http.StatusOK)
			png.Encode(w, im)
			return
		}
		w.Header().Set("Content-Type", "image/fits")
		w.WriteHeader(http.StatusOK)
		imgrec.WriteFits(w, cards, img, ncols, nrows)
	case kind == "reduced" && format == "fits":
		img := make([]float32, ncols*nrows)
		if err = h.ag.Buffers.ReducedCopy(s, idx, img); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/fits")
		w.WriteHeader(http.StatusOK)
		imgrec.WriteFitsFloat(w, cards, img, ncols, nrows)
	default:
		http.Error(w, fmt.Sprintf("unsupported frame %s in %s format", kind, format), http.StatusBadRequest)
	}
}
