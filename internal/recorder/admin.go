package recorder

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tactile/internal/httputil"
	"github.com/banshee-data/tactile/internal/monitoring"
)

// AttachAdminRoutes registers the recorder debug endpoints: a tailsql
// console over the frames database and a JSON view of recent frames.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Warnf("[recorder] tailsql unavailable: %v", err)
	} else {
		tsql.SetDB("sqlite://"+r.path, r.db, &tailsql.DBOptions{
			Label: "Frame recorder",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.HandleFunc("recorder-recent", "Recently recorded frames (?limit=N)", func(w http.ResponseWriter, req *http.Request) {
		limit := 10
		if s := req.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httputil.BadRequest(w, "invalid limit")
				return
			}
			limit = n
		}
		rows, err := r.Recent(limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to query frames: %v", err))
			return
		}
		httputil.WriteJSONOK(w, rows)
	})
}
