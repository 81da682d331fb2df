// tcsmon prints the guide packets and SDB submissions an autoguider sends,
// standing in for the TCS and the SDB while commissioning.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.jpl.nasa.gov/bdube/autoguider/cil"
	"github.jpl.nasa.gov/bdube/autoguider/comm"
)

func usage() {
	str := `tcsmon listens for autoguider output on UDP and prints it decoded.

Usage:
	tcsmon [guide-addr [sdb-addr]]

guide-addr defaults to :13025 and sdb-addr to :13011.  Use "-" to skip one.`
	fmt.Println(str)
}

// formatGuide renders one guide packet datagram
func formatGuide(from net.Addr, b []byte) string {
	p, err := cil.ParseGuidePacket(b)
	if err != nil {
		return fmt.Sprintf("guide %v: %v", from, err)
	}
	return fmt.Sprintf("guide %v: %v", from, p)
}

// formatSDB renders one CIL submission, one line per datum
func formatSDB(from net.Addr, b []byte) string {
	h, datums, err := cil.DecodeSubmission(b)
	if err != nil {
		return fmt.Sprintf("sdb %v: %v", from, err)
	}
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "sdb %v: seq %d at %s, %d datums", from, h.Seq,
		cil.FromTimestamp(h.Seconds, h.Nanosecs).Format(time.RFC3339Nano), len(datums))
	for _, d := range datums {
		fmt.Fprintf(sb, "\n\t%-12v %d", d.ID, d.Value)
		if d.ID == cil.DatumAGState {
			fmt.Fprintf(sb, " (%v)", cil.State(d.Value))
		}
	}
	return sb.String()
}

func listen(ctx context.Context, wg *sync.WaitGroup, out io.Writer, mu *sync.Mutex, addr string, format func(net.Addr, []byte) string) {
	if addr == "-" {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Println("listening on", addr)
		err := comm.Listen(ctx, addr, func(from net.Addr, b []byte) {
			s := format(from, b)
			mu.Lock()
			fmt.Fprintln(out, s)
			mu.Unlock()
		})
		if err != nil {
			log.Println(err)
		}
	}()
}

func main() {
	guideAddr, sdbAddr := ":13025", ":13011"
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "help" || args[0] == "-h") {
		usage()
		return
	}
	if len(args) > 0 {
		guideAddr = args[0]
	}
	if len(args) > 1 {
		sdbAddr = args[1]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	listen(ctx, &wg, os.Stdout, &mu, guideAddr, formatGuide)
	listen(ctx, &wg, os.Stdout, &mu, sdbAddr, formatSDB)
	wg.Wait()
}
