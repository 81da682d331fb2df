package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.jpl.nasa.gov/bdube/autoguider/generichttp"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestCheck(t *testing.T) {
	l := New()
	rt := table{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/guide/on"}: func(w http.ResponseWriter, r *http.Request) {},
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}:    func(w http.ResponseWriter, r *http.Request) {},
	}
	Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.RT().Bind(r)

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}
	if c := do(http.MethodPost, "/guide/on", ""); c != http.StatusOK {
		t.Errorf("expected 200 unlocked got %d", c)
	}
	if c := do(http.MethodPost, "/lock", `{"bool":true}`); c != http.StatusOK {
		t.Fatalf("expected 200 locking got %d", c)
	}
	if !l.Locked() {
		t.Fatal("expected the locker to be locked")
	}
	if c := do(http.MethodPost, "/guide/on", ""); c != http.StatusLocked {
		t.Errorf("expected 423 locked got %d", c)
	}
	if c := do(http.MethodGet, "/status", ""); c != http.StatusOK {
		t.Errorf("expected GET to pass a lock, got %d", c)
	}
	if c := do(http.MethodPost, "/lock", `{"bool":false}`); c != http.StatusOK {
		t.Errorf("expected 200 unlocking got %d", c)
	}
	if c := do(http.MethodPost, "/guide/on", ""); c != http.StatusOK {
		t.Errorf("expected 200 after unlock got %d", c)
	}
}
