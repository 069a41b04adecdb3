// Package adminapi is the control-plane CRUD surface over ConfigStore,
// Balancer, and Ledger for every service family, plus the connectivity
// self-test trigger, mounted on the management port alongside /ws/realtime
// and the embedded UI.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/paf-relay/paf/internal/apierror"
	"github.com/paf-relay/paf/internal/balancer"
	"github.com/paf-relay/paf/internal/configstore"
	"github.com/paf-relay/paf/internal/ledger"
	"github.com/paf-relay/paf/internal/selftest"
)

// Family bundles the per-service-family collaborators the admin API reads
// and mutates.
type Family struct {
	Config   *configstore.Store
	Balancer *balancer.Balancer
	Ledger   *ledger.Ledger
}

// API serves the admin routes for every configured service family.
type API struct {
	Families map[string]*Family
}

func New(families map[string]*Family) *API {
	return &API{Families: families}
}

// Register mounts every admin route on mux. Callers wrap mux with their own
// auth.Middleware for the whole management port.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/configs/{service}", a.handleListConfigs)
	mux.HandleFunc("POST /api/configs/{service}", a.handleAddConfig)
	mux.HandleFunc("DELETE /api/configs/{service}/{name}", a.handleRemoveConfig)
	mux.HandleFunc("POST /api/configs/{service}/{name}/activate", a.handleActivateConfig)
	mux.HandleFunc("POST /api/configs/{service}/{name}/test/api", a.handleTestConfig)

	mux.HandleFunc("GET /api/balancer/{service}", a.handleGetBalancer)
	mux.HandleFunc("PUT /api/balancer/{service}", a.handlePutBalancer)

	mux.HandleFunc("GET /api/logs", a.handleListLogs)
	mux.HandleFunc("GET /api/logs/{id}", a.handleGetLog)

	mux.HandleFunc("GET /api/usage/{service}", a.handleUsage)
}

func (a *API) family(w http.ResponseWriter, r *http.Request) (*Family, string, bool) {
	service := r.PathValue("service")
	f, ok := a.Families[service]
	if !ok {
		writeError(w, apierror.Configuration("unknown service family: "+service))
		return nil, "", false
	}
	return f, service, true
}

func (a *API) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	f, _, ok := a.family(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"upstreams": f.Config.List(),
		"active":    f.Config.ActiveName(),
	})
}

func (a *API) handleAddConfig(w http.ResponseWriter, r *http.Request) {
	f, _, ok := a.family(w, r)
	if !ok {
		return
	}
	var desc configstore.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, apierror.Configuration("invalid JSON body: "+err.Error()))
		return
	}
	if err := f.Config.Add(desc); err != nil {
		writeError(w, apierror.Configuration(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (a *API) handleRemoveConfig(w http.ResponseWriter, r *http.Request) {
	f, _, ok := a.family(w, r)
	if !ok {
		return
	}
	if err := f.Config.Remove(r.PathValue("name")); err != nil {
		writeError(w, apierror.Configuration(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (a *API) handleActivateConfig(w http.ResponseWriter, r *http.Request) {
	f, _, ok := a.family(w, r)
	if !ok {
		return
	}
	if err := f.Config.Activate(r.PathValue("name")); err != nil {
		writeError(w, apierror.Configuration(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (a *API) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	f, service, ok := a.family(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	desc, ok := f.Config.Get(name)
	if !ok {
		writeError(w, apierror.Configuration("upstream not found: "+name))
		return
	}

	result, err := selftest.Run(r.Context(), f.Ledger, service, name, desc)
	if err != nil {
		writeError(w, apierror.Database(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGetBalancer(w http.ResponseWriter, r *http.Request) {
	f, service, ok := a.family(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":  f.Balancer.Mode(),
		"state": f.Balancer.Snapshot(service),
	})
}

func (a *API) handlePutBalancer(w http.ResponseWriter, r *http.Request) {
	f, _, ok := a.family(w, r)
	if !ok {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.Configuration("invalid JSON body: "+err.Error()))
		return
	}
	if req.Mode != "" {
		if err := f.Balancer.SetMode(balancer.Mode(req.Mode)); err != nil {
			writeError(w, apierror.Configuration(err.Error()))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *API) handleListLogs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	f, ok := a.Families[service]
	if service != "" && !ok {
		writeError(w, apierror.Configuration("unknown service family: "+service))
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	if f == nil {
		// No service filter: aggregate across every configured family.
		var entries []*ledger.Entry
		var total int64
		for _, fam := range a.Families {
			e, t, err := fam.Ledger.List(r.Context(), ledger.Query{Limit: limit, Offset: offset})
			if err != nil {
				writeError(w, apierror.Database(err.Error()))
				return
			}
			entries = append(entries, e...)
			total += t
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "total": total})
		return
	}

	entries, total, err := f.Ledger.List(r.Context(), ledger.Query{Service: service, Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, apierror.Database(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "total": total})
}

func (a *API) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, f := range a.Families {
		entry, err := f.Ledger.Get(r.Context(), id)
		if err != nil {
			writeError(w, apierror.Database(err.Error()))
			return
		}
		if entry != nil {
			writeJSON(w, http.StatusOK, entry)
			return
		}
	}
	writeError(w, &apierror.Error{Kind: apierror.KindDatabase, Status: http.StatusNotFound, Message: "log entry not found: " + id})
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	f, service, ok := a.family(w, r)
	if !ok {
		return
	}
	periods, err := f.Ledger.UsagePeriods(r.Context(), service)
	if err != nil {
		writeError(w, apierror.Database(err.Error()))
		return
	}
	models, err := f.Ledger.ModelUsage(r.Context(), service)
	if err != nil {
		writeError(w, apierror.Database(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"periods": periods, "models": models})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *apierror.Error) {
	apierror.WriteJSON(w, e, time.Now())
}
