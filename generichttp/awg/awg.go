// Package awg provides an HTTP interface to segmented-memory arbitrary
// waveform generators.
//
// Sequences are posted as YAML or JSON documents to /sequence; the
// response describes the compiled task table.  Adding ?dry=true compiles
// without touching the instrument.
package awg

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/golaborate-awg/builder"
	"github.com/nasa-jpl/golaborate-awg/generichttp"
	"github.com/nasa-jpl/golaborate-awg/generichttp/ascii"
	"github.com/nasa-jpl/golaborate-awg/proteus"
	"github.com/nasa-jpl/golaborate-awg/sequence"
	"github.com/nasa-jpl/golaborate-awg/server"
	"github.com/nasa-jpl/golaborate-awg/tasktable"
	"github.com/nasa-jpl/golaborate-awg/waveform"
)

// maxBody bounds uploaded sequence documents
const maxBody = 8 << 20

// AWG is the instrument interface the routes need
type AWG interface {
	Compile(*sequence.Sequence, tasktable.Options) (*builder.Plan, error)
	LoadSequence(*sequence.Sequence, tasktable.Options) (*builder.Plan, error)
	LoadChirp(builder.Chirp, tasktable.Options) (*builder.Plan, error)
	Activate(tasktable.Enable) error
	Output(bool) error
	SetTrigger(proteus.Trigger) error
	SetInterpolation(int) (proteus.Config, error)
	SetNCO(cfr, phase float64) error
	Reset() (string, error)
	Initialize() error
	Errors() (string, error)
	Config() proteus.Config
	Raw(string) (string, error)
}

// Report describes a compiled program
type Report struct {
	Program     tasktable.Program   `json:"program"`
	Fingerprint string              `json:"fingerprint"`
	Segments    int                 `json:"segments"`
	Points      [][]sequence.Points `json:"points,omitempty"`
	Uploaded    bool                `json:"uploaded"`
}

func report(p *builder.Plan, uploaded bool) Report {
	return Report{
		Program:     p.Program,
		Fingerprint: fmt.Sprintf("%016x", p.Program.Fingerprint()),
		Segments:    p.Segments.Len(),
		Points:      p.Points,
		Uploaded:    uploaded,
	}
}

// HTTPAWG wraps an AWG in an HTTP interface
type HTTPAWG struct {
	AWG AWG

	RouteTable generichttp.RouteTable2

	log hclog.Logger

	mu   sync.Mutex
	last *Report
}

// NewHTTPAWG returns a new HTTP wrapper with the routes prepopulated
func NewHTTPAWG(a AWG, log hclog.Logger) *HTTPAWG {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	h := &HTTPAWG{AWG: a, log: log}
	rt := generichttp.RouteTable2{
		{Method: http.MethodPost, Path: "/sequence"}:      h.Sequence,
		{Method: http.MethodPost, Path: "/chirp"}:         h.Chirp,
		{Method: http.MethodGet, Path: "/program"}:        h.Program,
		{Method: http.MethodPost, Path: "/activate"}:      h.Activate,
		{Method: http.MethodPost, Path: "/output"}:        generichttp.SetBool(a.Output),
		{Method: http.MethodPost, Path: "/trigger"}:       h.Trigger,
		{Method: http.MethodPost, Path: "/interpolation"}: h.Interpolation,
		{Method: http.MethodPost, Path: "/nco"}:           h.NCO,
		{Method: http.MethodPost, Path: "/reset"}:         h.Reset,
		{Method: http.MethodPost, Path: "/initialize"}:    h.Initialize,
		{Method: http.MethodGet, Path: "/errors"}:         generichttp.GetString(a.Errors),
		{Method: http.MethodGet, Path: "/config"}:         h.GetConfig,
		{Method: http.MethodGet, Path: "/sample-rate"}:    generichttp.GetFloat(func() (float64, error) { return a.Config().SampleRate, nil }),
	}
	h.RouteTable = rt
	ascii.Inject(h, &ascii.RawWrapper{Comm: a, Log: log, Status: status})
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPAWG) RT() generichttp.RouteTable2 {
	return h.RouteTable
}

// status maps an error to the HTTP status that best describes it
func status(err error) int {
	var (
		ce *sequence.ConfigError
		de *sequence.DecodeError
		te *proteus.TransportError
	)
	switch {
	case errors.As(err, &ce),
		errors.As(err, &de),
		errors.Is(err, waveform.ErrUnknownEnvelope),
		errors.Is(err, waveform.ErrNotAligned),
		errors.Is(err, tasktable.ErrBadEnable),
		errors.Is(err, proteus.ErrBadInterpolation):
		return http.StatusBadRequest
	case errors.As(err, &te):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), status(err))
}

// options reads ?enable=TRG1&finish=stop
func options(r *http.Request) (tasktable.Options, error) {
	var opt tasktable.Options
	q := r.URL.Query()
	if s := q.Get("enable"); s != "" {
		if err := opt.Enable.UnmarshalText([]byte(s)); err != nil {
			return opt, err
		}
	}
	if err := opt.Finish.UnmarshalText([]byte(q.Get("finish"))); err != nil {
		return opt, err
	}
	return opt, nil
}

func (h *HTTPAWG) remember(rep Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &rep
}

// Sequence compiles the posted sequence and, unless dry=true, uploads and
// activates it
func (h *HTTPAWG) Sequence(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	seq, err := sequence.Load(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		fail(w, err)
		return
	}
	opt, err := options(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var plan *builder.Plan
	dry := r.URL.Query().Get("dry") == "true"
	if dry {
		plan, err = h.AWG.Compile(&seq, opt)
	} else {
		plan, err = h.AWG.LoadSequence(&seq, opt)
	}
	if err != nil {
		h.log.Error("sequence failed", "dry", dry, "error", err)
		fail(w, err)
		return
	}
	rep := report(plan, !dry)
	if !dry {
		h.remember(rep)
	}
	server.RespondJSON(w, rep)
}

type chirpRequest struct {
	RampTime float64        `json:"rampTime"`
	FStart   float64        `json:"fStart"`
	FStop    float64        `json:"fStop"`
	Sweep    waveform.Sweep `json:"sweep"`
	Reps     int            `json:"reps"`
	Duration float64        `json:"duration"`
	Reverse  bool           `json:"reverse"`
}

// Chirp synthesizes, uploads and plays a repeated sweep
func (h *HTTPAWG) Chirp(w http.ResponseWriter, r *http.Request) {
	var req chirpRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opt, err := options(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c := builder.Chirp{
		ChirpParams: waveform.ChirpParams{RampTime: req.RampTime, FStart: req.FStart, FStop: req.FStop, Sweep: req.Sweep},
		Reps:        req.Reps,
		Duration:    req.Duration,
		Reverse:     req.Reverse,
	}
	plan, err := h.AWG.LoadChirp(c, opt)
	if err != nil {
		h.log.Error("chirp failed", "error", err)
		fail(w, err)
		return
	}
	rep := report(plan, true)
	h.remember(rep)
	server.RespondJSON(w, rep)
}

// Program returns the report of the last uploaded program
func (h *HTTPAWG) Program(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if last == nil {
		http.Error(w, "no program has been uploaded", http.StatusNotFound)
		return
	}
	server.RespondJSON(w, last)
}

// Activate starts task mode with the enable source {"str": "CPU"} or
// {"str": "TRG1"}
func (h *HTTPAWG) Activate(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	en, err := tasktable.ParseEnable(s.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.AWG.Activate(en); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Trigger configures an external trigger input
func (h *HTTPAWG) Trigger(w http.ResponseWriter, r *http.Request) {
	var t proteus.Trigger
	err := json.NewDecoder(r.Body).Decode(&t)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.AWG.SetTrigger(t); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Interpolation sets the DUC interpolation factor from {"int": 8} and
// returns the configuration now in effect
func (h *HTTPAWG) Interpolation(w http.ResponseWriter, r *http.Request) {
	i := server.IntT{}
	err := json.NewDecoder(r.Body).Decode(&i)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg, err := h.AWG.SetInterpolation(i.Int)
	if err != nil {
		fail(w, err)
		return
	}
	server.RespondJSON(w, cfg)
}

type ncoRequest struct {
	CFR   float64 `json:"cfr"`
	Phase float64 `json:"phase"`
}

// NCO sets the carrier of the upconverter
func (h *HTTPAWG) NCO(w http.ResponseWriter, r *http.Request) {
	var req ncoRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.AWG.SetNCO(req.CFR, req.Phase); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Reset resets the instrument and returns its identification
func (h *HTTPAWG) Reset(w http.ResponseWriter, r *http.Request) {
	generichttp.GetString(h.AWG.Reset)(w, r)
}

// Initialize prepares the channel for segment playback
func (h *HTTPAWG) Initialize(w http.ResponseWriter, r *http.Request) {
	if err := h.AWG.Initialize(); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetConfig returns the AWG configuration
func (h *HTTPAWG) GetConfig(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, h.AWG.Config())
}
