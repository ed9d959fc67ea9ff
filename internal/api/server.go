// Package api is the request dispatcher: it terminates HTTPS, checks
// credentials on every request, translates between the wire protocol and
// the task queues, and never touches catalog state directly except
// through the components it fronts.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/openmark/coordinator/internal/authority"
	"github.com/openmark/coordinator/internal/catalog"
	"github.com/openmark/coordinator/internal/exam"
	"github.com/openmark/coordinator/internal/metrics"
	"github.com/openmark/coordinator/internal/progress"
	"github.com/openmark/coordinator/internal/queue"
	"github.com/openmark/coordinator/internal/store"
	"github.com/openmark/coordinator/internal/users"
)

// apiVersion is the protocol revision. A client announcing a different
// value at login is turned away before it can touch any task.
const apiVersion = "14"

// Version is the server release, stamped into /Version.
const Version = "1.2.0"

// managerUser is the account allowed to reach the administrative
// endpoints. It must appear in the user list like any other account.
const managerUser = "manager"

// Deps carries every component the dispatcher fronts.
type Deps struct {
	Log      *logrus.Entry
	Auth     *authority.Authority
	Users    *users.Registry
	Catalog  *catalog.Catalog
	IDs      *queue.IDQueue
	Marks    *queue.MarkQueue
	Progress *progress.Accountant
	Store    *store.Store
	Spec     *exam.Spec
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// ClasslistPath points at the course classlist CSV; empty disables
	// the classlist endpoint.
	ClasslistPath string
}

// Server routes and authenticates the coordinator's HTTP surface.
type Server struct {
	log       *logrus.Entry
	auth      *authority.Authority
	users     *users.Registry
	cat       *catalog.Catalog
	ids       *queue.IDQueue
	marks     *queue.MarkQueue
	prog      *progress.Accountant
	store     *store.Store
	spec      *exam.Spec
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	classlist string
}

func New(d Deps) *Server {
	return &Server{
		log:       d.Log,
		auth:      d.Auth,
		users:     d.Users,
		cat:       d.Catalog,
		ids:       d.IDs,
		marks:     d.Marks,
		prog:      d.Progress,
		store:     d.Store,
		spec:      d.Spec,
		metrics:   d.Metrics,
		gatherer:  d.Gatherer,
		classlist: d.ClasslistPath,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	// Unauthenticated surface.
	r.HandleFunc("/Version", s.handleVersion).Methods("GET")
	r.HandleFunc("/info/shortName", s.handleShortName).Methods("GET")
	r.HandleFunc("/info/spec", s.handleSpec).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Sessions.
	r.HandleFunc("/users/{user}", s.handleTokenRequest).Methods("PUT")
	r.HandleFunc("/users/{user}", s.handleLogout).Methods("DELETE")
	r.HandleFunc("/authorisation", s.handleClearAuthorisation).Methods("DELETE")

	// Identification queue.
	r.HandleFunc("/ID/progress", s.handleIDProgress).Methods("GET")
	r.HandleFunc("/ID/classlist", s.handleClasslist).Methods("GET")
	r.HandleFunc("/ID/tasks/complete", s.handleIDComplete).Methods("GET")
	r.HandleFunc("/ID/tasks/available", s.handleIDAvailable).Methods("GET")
	r.HandleFunc("/ID/tasks/{code}", s.handleIDImages).Methods("PATCH")
	r.HandleFunc("/ID/tasks/{code}", s.handleIDReturn).Methods("PUT")
	r.HandleFunc("/ID/tasks/{code}", s.handleIDAbandon).Methods("DELETE")
	r.HandleFunc("/ID/images/{code}", s.handleIDImages).Methods("GET")

	// Marking queue.
	r.HandleFunc("/MK/maxMark", s.handleMaxMark).Methods("GET")
	r.HandleFunc("/MK/progress", s.handleMarkProgress).Methods("GET")
	r.HandleFunc("/MK/tasks/complete", s.handleMarkComplete).Methods("GET")
	r.HandleFunc("/MK/tasks/available", s.handleMarkAvailable).Methods("GET")
	r.HandleFunc("/MK/tasks/{code}", s.handleMarkBundle).Methods("PATCH")
	r.HandleFunc("/MK/tasks/{code}", s.handleMarkReturn).Methods("PUT")
	r.HandleFunc("/MK/tasks/{code}", s.handleMarkAbandon).Methods("DELETE")
	r.HandleFunc("/MK/images/{code}", s.handleMarkImages).Methods("GET")
	r.HandleFunc("/MK/tags/{code}", s.handleSetTags).Methods("PATCH")
	r.HandleFunc("/MK/whole/{paper}", s.handleWholePaper).Methods("GET")

	// Administrative surface, manager account only.
	r.HandleFunc("/admin/users/{user}", s.handleAdminCreateUser).Methods("PUT")
	r.HandleFunc("/admin/users/{user}/enable", s.handleAdminEnableUser).Methods("PATCH")
	r.HandleFunc("/admin/users/reload", s.handleAdminReloadUsers).Methods("POST")
	r.HandleFunc("/admin/tasks/reset", s.handleAdminResetTask).Methods("POST")
	r.HandleFunc("/admin/papers", s.handleAdminAddPaper).Methods("POST")
	r.HandleFunc("/admin/pages", s.handleAdminIngestPage).Methods("POST")
	r.HandleFunc("/admin/progress", s.handleAdminProgress).Methods("GET")
	r.HandleFunc("/admin/histogram", s.handleAdminHistogram).Methods("GET")
	r.HandleFunc("/admin/audit", s.handleAdminAudit).Methods("GET")

	return r
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
