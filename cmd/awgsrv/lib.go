package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/nasa-jpl/golaborate-awg/builder"
	"github.com/nasa-jpl/golaborate-awg/config"
	"github.com/nasa-jpl/golaborate-awg/generichttp"
	"github.com/nasa-jpl/golaborate-awg/generichttp/awg"
	"github.com/nasa-jpl/golaborate-awg/sequence"
	"github.com/nasa-jpl/golaborate-awg/server/middleware/locker"
	"github.com/nasa-jpl/golaborate-awg/tasktable"
)

// BuildMux mounts the AWG routes under c.Root, guarded by a lock, and an
// /endpoints listing at the top level
func BuildMux(c config.Config, dev awg.AWG, log hclog.Logger) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	httper := awg.NewHTTPAWG(dev, log.Named("http"))
	lock := locker.New()
	locker.Inject(httper, lock)

	hndlS := generichttp.SubMuxSanitize(c.Root)
	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(hndlS, r)

	graph := map[string][]string{hndlS: httper.RT().Endpoints()}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(graph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// loadSequence reads a sequence file
func loadSequence(path string) (sequence.Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return sequence.Sequence{}, err
	}
	defer f.Close()
	return sequence.Load(f)
}

// options parses the --enable and --finish flags
func options(enable, finish string, channel int) (tasktable.Options, error) {
	opt := tasktable.Options{Channel: channel}
	if err := opt.Enable.UnmarshalText([]byte(enable)); err != nil {
		return opt, err
	}
	if err := opt.Finish.UnmarshalText([]byte(finish)); err != nil {
		return opt, err
	}
	return opt, nil
}

// printPlan writes the segment list and task table of p as aligned
// columns
func printPlan(w io.Writer, p *builder.Plan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tWORDS\tMARKERS\tCRC")
	for _, s := range p.Segments.Segments() {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%016x\n", s.ID, s.SampleCount(), len(s.Markers), s.CRC)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ENTRY\tSEGMENT\tLOOP\tTYPE\tSEQ\tENABLE\tNEXT")
	for _, e := range p.Program.Entries {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%d\t%s\t%d\n", e.Index, e.Segment, e.Loop, e.Type, e.SeqLoop, e.Enable, e.Next)
	}
	fmt.Fprintf(tw, "\nchannel %d, %d entries, fingerprint %016x\n", p.Program.Channel, p.Program.Len(), p.Program.Fingerprint())
	return tw.Flush()
}
