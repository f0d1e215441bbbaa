package loadmetrics

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/clusterkite/kite/pkg/api"
	"github.com/clusterkite/kite/pkg/platform"
)

// RegisterHandler stores a subscription for the target named by the path.
// The body is the JSON array of metric names to observe.
func (e *Engine) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var names []string
	if err := api.ReadJSON(w, r, &names); err != nil {
		api.WriteError(e.logger, w, err)
		return
	}

	mc, err := checkFromRequest(r, names)
	if err != nil {
		api.WriteError(e.logger, w, err)
		return
	}
	if err := e.Register(r.Context(), mc); err != nil {
		api.WriteError(e.logger, w, err)
		return
	}
	_ = api.WriteJSON(w, mc)
}

func checkFromRequest(r *http.Request, names []string) (*MetricCheck, error) {
	vars := mux.Vars(r)

	mc := &MetricCheck{
		Application: platform.Scheme + "/" + vars[api.MuxVarApplication],
		MetricNames: names,
	}
	if svc := vars[api.MuxVarService]; svc != "" {
		mc.Service = mc.Application + "/" + svc
	}
	if part := vars[api.MuxVarPartition]; part != "" {
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("partition %q is not a valid id: %w", part, api.ErrInvalidArgument)
		}
		mc.Partition = id
	}
	return mc, nil
}

// ListHandler answers with the subscriptions under the path's scope.
func (e *Engine) ListHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := e.List(r.Context(), vars[api.MuxVarApplication], vars[api.MuxVarService], vars[api.MuxVarPartition])
	if err != nil {
		api.WriteError(e.logger, w, err)
		return
	}
	if out == nil {
		out = []MetricCheck{}
	}
	_ = api.WriteJSON(w, out)
}
