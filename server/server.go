// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// FloatT is a struct with a single float field, {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a payload of a single primitive.  T selects which field
// is encoded.
type HumanPayload struct {
	T      types.BasicKind
	Float  float64
	Int    int
	String string
	Bool   bool
}

// EncodeAndRespond writes the payload as {"f64"|"int"|"str"|"bool": value},
// or as plain text when the request asks for text/plain
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Float64, types.Float32:
		v = FloatT{hp.Float}
	case types.Int:
		v = IntT{hp.Int}
	case types.String:
		v = StrT{hp.String}
	case types.Bool:
		v = BoolT{hp.Bool}
	default:
		fstr := fmt.Sprintf("unsupported payload kind %v", hp.T)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	if r != nil && strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain")
		switch t := v.(type) {
		case FloatT:
			fmt.Fprint(w, t.F64)
		case IntT:
			fmt.Fprint(w, t.Int)
		case StrT:
			fmt.Fprint(w, t.Str)
		case BoolT:
			fmt.Fprint(w, t.Bool)
		}
		return
	}
	ReplyWithJSON(w, v)
}

// ReplyWithJSON encodes v as the response body
func ReplyWithJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	if filepath.Base(fn) != fn {
		http.Error(w, fmt.Sprintf("illegal file name %s", fn), http.StatusBadRequest)
		return
	}
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", filePath)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}
