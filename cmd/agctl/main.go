package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/theckman/yacspin"

	"github.jpl.nasa.gov/bdube/autoguider/autoguider"
	"github.jpl.nasa.gov/bdube/autoguider/camera"
	aghttp "github.jpl.nasa.gov/bdube/autoguider/generichttp/autoguider"
	"github.jpl.nasa.gov/bdube/autoguider/server"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// DefaultAddr is used when AGCTL_ADDR is not set
	DefaultAddr = "http://localhost:8000"
)

func root() {
	str := `agctl controls an autoguider server over HTTP.
The server address is taken from $AGCTL_ADDR, default ` + DefaultAddr + `

Usage:
	agctl <command> [arguments]

Commands:
	status
	wait                       wait for the server to come up
	on [brightest]             field, then guide on the brightest object
	on pixel <x> <y>           ... on the object nearest CCD pixel x, y
	on rank <n>                ... on the n-th brightest object
	off
	field
	expose
	objects
	packet
	window [xs ys xe ye]       get or set the guide window
	exposure field|guide [ms [lock]]
	lock
	unlock
	version`
	fmt.Println(str)
}

// client is a thin HTTP client for the autoguider's routes
type client struct {
	base string
	c    *http.Client
}

func newClient() client {
	addr := os.Getenv("AGCTL_ADDR")
	if addr == "" {
		addr = DefaultAddr
	}
	// autoguide on fields first, which can take a while at long exposures
	return client{base: strings.TrimSuffix(addr, "/"), c: &http.Client{Timeout: 5 * time.Minute}}
}

func (c client) do(method, path string, body interface{}) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	resp, err := c.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func (c client) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c client) post(path string, body interface{}) ([]byte, error) {
	return c.do(http.MethodPost, path, body)
}

// wait polls /status until the server answers or 30 s pass
func (c client) wait() error {
	op := func() error {
		_, err := c.get("/status")
		return err
	}
	return backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Clock:               backoff.SystemClock})
}

// spin runs fn with a spinner showing msg
func spin(msg string, fn func() error) error {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	s, err := yacspin.New(cfg)
	if err != nil {
		// no terminal, or a bad config; run without the spinner
		return fn()
	}
	if err = s.Start(); err != nil {
		return fn()
	}
	err = fn()
	if err != nil {
		s.StopFail()
		return err
	}
	s.Stop()
	return nil
}

func printJSON(b []byte) {
	out := &bytes.Buffer{}
	if err := json.Indent(out, b, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(b)))
		return
	}
	fmt.Println(out.String())
}

func atoi(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("%q is not an integer", s)
	}
	return i
}

func atof(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Fatalf("%q is not a number", s)
	}
	return f
}

// onRequest parses the arguments of the on command
func onRequest(args []string) map[string]interface{} {
	mode := autoguider.Brightest
	if len(args) > 0 {
		var err error
		if mode, err = autoguider.ParseMode(args[0]); err != nil {
			log.Fatal(err)
		}
	}
	req := map[string]interface{}{"mode": mode.String()}
	switch mode {
	case autoguider.Pixel:
		if len(args) != 3 {
			log.Fatal("on pixel takes x and y")
		}
		req["x"], req["y"] = atof(args[1]), atof(args[2])
	case autoguider.Rank:
		if len(args) != 2 {
			log.Fatal("on rank takes the rank")
		}
		req["rank"] = atoi(args[1])
	}
	return req
}

func exposure(c client, args []string) error {
	if len(args) == 0 || (args[0] != "field" && args[0] != "guide") {
		return fmt.Errorf("exposure takes field or guide")
	}
	path := "/" + args[0] + "/exposure-length"
	if len(args) == 1 {
		b, err := c.get(path)
		if err != nil {
			return err
		}
		printJSON(b)
		return nil
	}
	el := aghttp.ExposureLength{Ms: atoi(args[1]), Lock: len(args) > 2 && args[2] == "lock"}
	_, err := c.post(path, el)
	return err
}

func window(c client, args []string) error {
	switch len(args) {
	case 0:
		b, err := c.get("/guide/window")
		if err != nil {
			return err
		}
		w := camera.Window{}
		if err = json.Unmarshal(b, &w); err != nil {
			return err
		}
		fmt.Println(w)
		return nil
	case 4:
		w := camera.Window{XStart: atoi(args[0]), YStart: atoi(args[1]), XEnd: atoi(args[2]), YEnd: atoi(args[3])}
		_, err := c.post("/guide/window", w)
		return err
	default:
		return fmt.Errorf("window takes no arguments or xs ys xe ye")
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	c := newClient()
	cmd := strings.ToLower(args[1])
	rest := args[2:]
	var err error
	switch cmd {
	case "help":
		root()
	case "version":
		fmt.Printf("agctl version %v\n", Version)
	case "wait":
		err = spin("waiting for "+c.base, c.wait)
	case "status":
		var b []byte
		if b, err = c.get("/status"); err == nil {
			printJSON(b)
		}
	case "on":
		req := onRequest(rest)
		err = spin(fmt.Sprintf("autoguide on %v", req["mode"]), func() error {
			_, err := c.post("/autoguide/on", req)
			return err
		})
	case "off":
		err = spin("autoguide off", func() error {
			_, err := c.post("/autoguide/off", nil)
			return err
		})
	case "field":
		var b []byte
		err = spin("fielding", func() error {
			var err error
			b, err = c.post("/field", nil)
			return err
		})
		if err == nil {
			printJSON(b)
		}
	case "expose":
		err = spin("exposing", func() error {
			_, err := c.post("/field/expose", nil)
			return err
		})
	case "objects":
		var b []byte
		if b, err = c.get("/objects"); err == nil {
			fmt.Print(string(b))
		}
	case "packet":
		var b []byte
		if b, err = c.get("/guide/packet"); err == nil {
			s := server.StrT{}
			if err = json.Unmarshal(b, &s); err == nil {
				fmt.Println(s.Str)
			}
		}
	case "window":
		err = window(c, rest)
	case "exposure":
		err = exposure(c, rest)
	case "lock", "unlock":
		_, err = c.post("/lock", server.BoolT{Bool: cmd == "lock"})
	default:
		log.Fatal("unknown command")
	}
	if err != nil {
		log.Fatal(err)
	}
}
