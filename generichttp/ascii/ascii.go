// Package ascii exposes the raw command passthrough of line oriented
// instruments over HTTP
package ascii

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/nasa-jpl/golaborate-awg/generichttp"
	"github.com/nasa-jpl/golaborate-awg/server"
)

// RawCommunicator has a single Raw method
type RawCommunicator interface {
	Raw(string) (string, error)
}

// RawWrapper serves POST /raw for a RawCommunicator.
//
// The body is {"str": "*IDN?"}; the reply is {"str": response}, empty for
// commands that are not queries.
type RawWrapper struct {
	Comm RawCommunicator

	// Log receives every command at debug level, may be nil
	Log hclog.Logger

	// Status maps an error from Comm to an HTTP status.  When nil every
	// error is a 502, the instrument being the upstream
	Status func(error) int
}

func (rw *RawWrapper) status(err error) int {
	if rw.Status != nil {
		return rw.Status(err)
	}
	return http.StatusBadGateway
}

// HTTPRaw sends the posted command to the instrument as-is
func (rw *RawWrapper) HTTPRaw(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd := strings.TrimSpace(str.Str)
	if cmd == "" {
		http.Error(w, "empty command", http.StatusBadRequest)
		return
	}
	if rw.Log != nil {
		rw.Log.Debug("raw command", "cmd", cmd)
	}
	resp, err := rw.Comm.Raw(cmd)
	if err != nil {
		http.Error(w, err.Error(), rw.status(err))
		return
	}
	hp := server.HumanPayload{T: types.String, String: strings.TrimSpace(resp)}
	hp.EncodeAndRespond(w, r)
}

// Inject adds POST /raw served by rw to the route table of an HTTPer
func Inject(other generichttp.HTTPer, rw *RawWrapper) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = rw.HTTPRaw
}

