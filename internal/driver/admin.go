package driver

import (
	"fmt"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tactile/internal/httputil"
)

// AttachAdminRoutes registers the driver's debug endpoints under /debug/.
func (d *Driver) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("driver-status", "Sensor driver status and poller counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, d.Status())
	})

	// Peeks at the newest frame; the queue is left untouched.
	debug.HandleFunc("driver-frame", "Most recent decoded frame", func(w http.ResponseWriter, r *http.Request) {
		f := d.Latest()
		if f == nil {
			httputil.NotFound(w, "no frame decoded yet")
			return
		}
		httputil.WriteJSONOK(w, f.Snapshot())
	})

	debug.HandleSilentFunc("driver-control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		var ok bool
		action := strings.TrimSpace(r.FormValue("action"))
		switch action {
		case "start":
			ok = d.Start()
		case "stop":
			ok = d.Stop()
		case "":
			httputil.BadRequest(w, "missing action")
			return
		default:
			httputil.BadRequest(w, fmt.Sprintf("unknown action %q", action))
			return
		}
		if !ok {
			httputil.Conflict(w, fmt.Sprintf("%s rejected", action))
			return
		}
		httputil.WriteJSONOK(w, d.Status())
	})
}
