// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"

	"github.jpl.nasa.gov/bdube/autoguider/server"
)

// MethodPath is a struct containing an HTTP method and path
type MethodPath struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// RouteTable maps methods and paths to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table, sorted by path then method
func (rt RouteTable) Endpoints() []MethodPath {
	routes := make([]MethodPath, 0, len(rt))
	for k := range rt {
		routes = append(routes, k)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	return routes
}

// Bind binds the routes to r, along with GET /endpoints listing them
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.MethodFunc(mp.Method, mp.Path, h)
	}
	r.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		server.ReplyWithJSON(w, rt.Endpoints())
	})
}

// HTTPer is an interface which allows types to yield their route tables
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize cleans up a string to be used as a submux prefix:
// it always begins with a slash and only ends with one if it is the root
func SubMuxSanitize(str string) string {
	str = strings.Trim(str, "/")
	return "/" + str
}

// reply sends hp, or a 500 if the getter that filled it failed
func reply(w http.ResponseWriter, r *http.Request, hp server.HumanPayload, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp.EncodeAndRespond(w, r)
}

// decodeAndCall decodes the request body into v, then calls fcn.
// A bad body is a 400, an error from fcn a 500.
func decodeAndCall(w http.ResponseWriter, r *http.Request, v interface{}, fcn func() error) {
	err := json.NewDecoder(r.Body).Decode(v)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = fcn(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		reply(w, r, server.HumanPayload{T: types.Float64, Float: f}, err)
	}
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		reply(w, r, server.HumanPayload{T: types.Int, Int: i}, err)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		reply(w, r, server.HumanPayload{T: types.Bool, Bool: b}, err)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := server.BoolT{}
		decodeAndCall(w, r, &b, func() error { return fcn(b.Bool) })
	}
}
