// Package httpapi is the control surface: start/stop jobs, read stats and
// trigger one-off updates. Every call is a thin pass-through to the
// scheduler and updater.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"pricefeeder/internal/notify"
	"pricefeeder/internal/pricelog"
	"pricefeeder/internal/scheduler"
	"pricefeeder/internal/submit"
	logx "pricefeeder/pkg/logx"
)

// Scheduler is the job control the API needs.
type Scheduler interface {
	StartJob(kind scheduler.Kind, coins ...string) []scheduler.ActionResult
	StopJob(kind scheduler.Kind, coins ...string) []scheduler.ActionResult
	Stats(coin string) map[scheduler.Kind]scheduler.JobStats
	Snapshot() []scheduler.JobStats
}

// Updater runs one-off updates.
type Updater interface {
	Trigger(ctx context.Context, coins []string) []submit.Result
}

// Deps are the collaborators behind the routes. Optional ones may be nil.
type Deps struct {
	Scheduler Scheduler
	Updater   Updater
	Prices    pricelog.Store
	Queue     interface{ Snapshot() submit.QueueStats }
	Notifier  interface{ History() []notify.HistoryItem }
	Metrics   http.Handler
	Log       logx.Logger
}

type api struct {
	Deps
}

// NewRouter builds the route table. A non-empty token protects everything
// except /healthz.
func NewRouter(d Deps, token string) *mux.Router {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	a := &api{Deps: d}
	r := mux.NewRouter()
	r.Use(bearerAuth(token, "/healthz"))
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{kind}/{action:start|stop}", a.jobs).Methods(http.MethodPost)
	r.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
	r.HandleFunc("/stats/{coin}", a.coinStats).Methods(http.MethodGet)
	r.HandleFunc("/update", a.update).Methods(http.MethodPost)
	r.HandleFunc("/update/{coin}", a.update).Methods(http.MethodPost)
	r.HandleFunc("/prices/{coin}", a.prices).Methods(http.MethodGet)
	r.HandleFunc("/notifications", a.notifications).Methods(http.MethodGet)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// coinsParam splits ?coin=BTC,ETH (repeatable). Empty means all. Symbols
// are matched exactly as configured.
func coinsParam(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["coin"] {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) jobs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := scheduler.ParseKind(vars["kind"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	coins := coinsParam(r)
	var res []scheduler.ActionResult
	if vars["action"] == "start" {
		res = a.Scheduler.StartJob(kind, coins...)
	} else {
		res = a.Scheduler.StopJob(kind, coins...)
	}
	a.Log.Info("job control", logx.String("kind", string(kind)), logx.String("action", vars["action"]), logx.Strings("coins", coins))
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"jobs": a.Scheduler.Snapshot()}
	if a.Queue != nil {
		out["queue"] = a.Queue.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

type kindStatus struct {
	Running bool                `json:"running"`
	Stats   *scheduler.JobStats `json:"stats,omitempty"`
}

func (a *api) coinStats(w http.ResponseWriter, r *http.Request) {
	coin := mux.Vars(r)["coin"]
	running := a.Scheduler.Stats(coin)
	out := map[scheduler.Kind]kindStatus{}
	for _, k := range scheduler.Kinds {
		st := kindStatus{}
		if s, ok := running[k]; ok {
			st.Running, st.Stats = true, &s
		}
		out[k] = st
	}
	writeJSON(w, http.StatusOK, map[string]any{"coin": coin, "jobs": out})
}

func (a *api) update(w http.ResponseWriter, r *http.Request) {
	coins := coinsParam(r)
	single := mux.Vars(r)["coin"]
	if single != "" {
		coins = []string{single}
	}
	res := a.Updater.Trigger(r.Context(), coins)
	if single != "" && len(res) == 1 && !res[0].OK() {
		writeJSON(w, http.StatusBadGateway, res[0])
		return
	}
	if single != "" && len(res) == 1 {
		writeJSON(w, http.StatusOK, res[0])
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}

func (a *api) prices(w http.ResponseWriter, r *http.Request) {
	if a.Prices == nil {
		writeError(w, http.StatusNotFound, errors.New("price log not available"))
		return
	}
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("n must be a positive integer"))
			return
		}
		n = min(parsed, 1000)
	}
	coin := mux.Vars(r)["coin"]
	entries, err := a.Prices.History(r.Context(), coin, n)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pricelog.ErrInvalidCoin) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coin": coin, "entries": entries})
}

func (a *api) notifications(w http.ResponseWriter, r *http.Request) {
	if a.Notifier == nil {
		writeJSON(w, http.StatusOK, map[string]any{"history": []notify.HistoryItem{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": a.Notifier.History()})
}
