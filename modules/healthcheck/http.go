package healthcheck

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/clusterkite/kite/pkg/api"
)

// RegisterHandler accepts a health check submission and answers with the
// stored record, defaults applied.
func (e *Engine) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var hc HealthCheck
	if err := api.ReadJSON(w, r, &hc); err != nil {
		api.WriteError(e.logger, w, err)
		return
	}
	if err := e.Register(r.Context(), &hc); err != nil {
		api.WriteError(e.logger, w, err)
		return
	}
	_ = api.WriteJSON(w, &hc)
}

// ListHandler answers the registered checks under the application, service
// and partition path segments, each optional.
func (e *Engine) ListHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := e.List(r.Context(), vars[api.MuxVarApplication], vars[api.MuxVarService], vars[api.MuxVarPartition])
	if err != nil {
		api.WriteError(e.logger, w, err)
		return
	}
	if out == nil {
		out = []HealthCheck{}
	}
	_ = api.WriteJSON(w, out)
}
