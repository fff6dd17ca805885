package fixtures

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

// The fakes below implement the HTTP surfaces of the build engine, the
// cluster scheduler and the gateway admin API, so integration tests can run
// real stage clients end to end. Each fake is scriptable: rejections,
// transient job failures and held (never-completing) phases drive the retry
// and recovery paths.

// FakeBuildEngine fakes the build engine: POST /v1/builds accepts a
// submission and GET /v1/builds/{id} reports its status.
type FakeBuildEngine struct {
	srv *httptest.Server

	mu          sync.Mutex
	seq         int
	jobs        map[string]*buildJobState
	submissions int
	rejectNext  int
	failNext    int
	failRetry   bool
	held        bool
}

type buildJobState struct {
	imageTag string
	fail     bool
	retry    bool
}

// NewFakeBuildEngine starts the fake on an httptest server.
func NewFakeBuildEngine() *FakeBuildEngine {
	e := &FakeBuildEngine{jobs: make(map[string]*buildJobState)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/builds", e.handleSubmit)
	mux.HandleFunc("GET /v1/builds/{id}", e.handleStatus)
	e.srv = httptest.NewServer(mux)
	return e
}

func (e *FakeBuildEngine) URL() string { return e.srv.URL }
func (e *FakeBuildEngine) Close()      { e.srv.Close() }

// RejectSubmissions makes the next n submissions fail with a 422, which the
// build client classifies as permanent.
func (e *FakeBuildEngine) RejectSubmissions(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectNext = n
}

// FailJobs makes the next n submitted jobs report failed. When retryable is
// true the failure is marked transient so the worker retries the stage.
func (e *FakeBuildEngine) FailJobs(n int, retryable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = n
	e.failRetry = retryable
}

// Hold keeps every job in running until Release is called.
func (e *FakeBuildEngine) Hold() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.held = true
}

// Release lets held jobs complete.
func (e *FakeBuildEngine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.held = false
}

// Submissions returns how many build submissions the engine accepted.
func (e *FakeBuildEngine) Submissions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submissions
}

func (e *FakeBuildEngine) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeploymentID string `json:"deployment_id"`
		AgentName    string `json:"agent_name"`
		Version      string `json:"version"`
		ArtifactURL  string `json:"artifact_url"`
		ImageTag     string `json:"image_tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed submission"})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rejectNext > 0 {
		e.rejectNext--
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "unsupported artifact"})
		return
	}

	e.seq++
	e.submissions++
	id := fmt.Sprintf("build-%d", e.seq)
	job := &buildJobState{imageTag: req.ImageTag}
	if e.failNext > 0 {
		e.failNext--
		job.fail = true
		job.retry = e.failRetry
	}
	e.jobs[id] = job

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (e *FakeBuildEngine) handleStatus(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job"})
		return
	}
	switch {
	case e.held:
		writeJSON(w, http.StatusOK, map[string]any{"status": "running"})
	case job.fail:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "failed",
			"detail":    "image build failed",
			"transient": job.retry,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "succeeded",
			"image_ref": job.imageTag,
		})
	}
}

// FakeScheduler fakes the cluster scheduler: PUT /v1/workloads/{agent}
// upserts a workload and GET reports its readiness. Each distinct deployment
// is handed a fresh endpoint, so a redeploy rolls the route target over.
type FakeScheduler struct {
	srv *httptest.Server

	mu         sync.Mutex
	seq        int
	workloads  map[string]*workloadState
	upserts    int
	rejectNext int
	held       bool
}

type workloadState struct {
	deploymentID string
	imageRef     string
	endpoint     string
}

// NewFakeScheduler starts the fake on an httptest server.
func NewFakeScheduler() *FakeScheduler {
	s := &FakeScheduler{workloads: make(map[string]*workloadState)}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/workloads/{agent}", s.handleUpsert)
	mux.HandleFunc("GET /v1/workloads/{agent}", s.handleStatus)
	s.srv = httptest.NewServer(mux)
	return s
}

func (s *FakeScheduler) URL() string { return s.srv.URL }
func (s *FakeScheduler) Close()      { s.srv.Close() }

// RejectUpserts makes the next n workload upserts fail with a 422, which
// the deploy client classifies as permanent.
func (s *FakeScheduler) RejectUpserts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = n
}

// Hold keeps every workload unready until Release is called.
func (s *FakeScheduler) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = true
}

// Release lets held workloads report ready.
func (s *FakeScheduler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
}

// Upserts returns how many workload upserts the scheduler accepted.
func (s *FakeScheduler) Upserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// Workload returns the deployment id and image ref of the agent's workload.
func (s *FakeScheduler) Workload(agent string) (deploymentID, imageRef string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wl, ok := s.workloads[agent]
	if !ok {
		return "", "", false
	}
	return wl.deploymentID, wl.imageRef, true
}

func (s *FakeScheduler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeploymentID string `json:"deployment_id"`
		ImageRef     string `json:"image_ref"`
		Port         int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed spec"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectNext > 0 {
		s.rejectNext--
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "quota exceeded"})
		return
	}

	agent := r.PathValue("agent")
	s.upserts++
	wl, ok := s.workloads[agent]
	if !ok || wl.deploymentID != req.DeploymentID {
		s.seq++
		wl = &workloadState{endpoint: fmt.Sprintf("10.32.0.%d:%d", s.seq, req.Port)}
		s.workloads[agent] = wl
	}
	wl.deploymentID = req.DeploymentID
	wl.imageRef = req.ImageRef

	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *FakeScheduler) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wl, ok := s.workloads[r.PathValue("agent")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown workload"})
		return
	}
	if s.held {
		writeJSON(w, http.StatusOK, map[string]any{"ready": false, "detail": "scheduling"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true, "endpoint": wl.endpoint})
}

// FakeGateway fakes the gateway admin API: service and route upserts, the
// gateway-side health check, target removal and deregistration.
type FakeGateway struct {
	srv *httptest.Server

	mu           sync.Mutex
	services     map[string]*serviceState
	conflictNext int
	held         bool
}

type serviceState struct {
	url          string
	deploymentID string
	targets      map[string]struct{}
	routes       map[string]string
}

// NewFakeGateway starts the fake on an httptest server.
func NewFakeGateway() *FakeGateway {
	g := &FakeGateway{services: make(map[string]*serviceState)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /services/{agent}", g.handleGetService)
	mux.HandleFunc("PUT /services/{agent}", g.handlePutService)
	mux.HandleFunc("DELETE /services/{agent}", g.handleDeleteService)
	mux.HandleFunc("PUT /services/{agent}/routes/{route}", g.handlePutRoute)
	mux.HandleFunc("DELETE /services/{agent}/routes/{route}", g.handleDeleteRoute)
	mux.HandleFunc("GET /services/{agent}/health", g.handleHealth)
	mux.HandleFunc("DELETE /services/{agent}/targets/{target}", g.handleDeleteTarget)
	g.srv = httptest.NewServer(mux)
	return g
}

func (g *FakeGateway) URL() string { return g.srv.URL }
func (g *FakeGateway) Close()      { g.srv.Close() }

// ConflictUpserts makes the next n service upserts fail with a 409, which
// the registration client classifies as permanent.
func (g *FakeGateway) ConflictUpserts(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conflictNext = n
}

// Hold keeps the gateway-side health check unhealthy until Release.
func (g *FakeGateway) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = true
}

// Release lets health checks pass again.
func (g *FakeGateway) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
}

// Service returns the deployment id the agent's service points at.
func (g *FakeGateway) Service(agent string) (deploymentID string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	svc, ok := g.services[agent]
	if !ok {
		return "", false
	}
	return svc.deploymentID, true
}

// HasService reports whether the agent is registered at all.
func (g *FakeGateway) HasService(agent string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.services[agent]
	return ok
}

// Targets returns the agent's registered route targets, sorted.
func (g *FakeGateway) Targets(agent string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	svc, ok := g.services[agent]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(svc.targets))
	for t := range svc.targets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasRoute reports whether the named route exists on the agent's service.
func (g *FakeGateway) HasRoute(agent, route string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	svc, ok := g.services[agent]
	if !ok {
		return false
	}
	_, ok = svc.routes[route]
	return ok
}

func (g *FakeGateway) handleGetService(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	agent := r.PathValue("agent")
	svc, ok := g.services[agent]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":          agent,
		"url":           svc.url,
		"deployment_id": svc.deploymentID,
	})
}

func (g *FakeGateway) handlePutService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		URL          string `json:"url"`
		DeploymentID string `json:"deployment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed service"})
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conflictNext > 0 {
		g.conflictNext--
		writeJSON(w, http.StatusConflict, map[string]string{"error": "service transition in progress"})
		return
	}

	agent := r.PathValue("agent")
	svc, ok := g.services[agent]
	if !ok {
		svc = &serviceState{targets: make(map[string]struct{}), routes: make(map[string]string)}
		g.services[agent] = svc
	}
	svc.url = req.URL
	svc.deploymentID = req.DeploymentID
	svc.targets[bareTarget(req.URL)] = struct{}{}

	writeJSON(w, http.StatusOK, map[string]string{})
}

func (g *FakeGateway) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	agent := r.PathValue("agent")
	if _, ok := g.services[agent]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}
	delete(g.services, agent)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (g *FakeGateway) handlePutRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path      string `json:"path"`
		StripPath bool   `json:"strip_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed route"})
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	svc, ok := g.services[r.PathValue("agent")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}
	route := r.PathValue("route")
	svc.routes[route] = req.Path
	writeJSON(w, http.StatusOK, map[string]string{"id": route})
}

func (g *FakeGateway) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	svc, ok := g.services[r.PathValue("agent")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}
	route := r.PathValue("route")
	if _, ok := svc.routes[route]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown route"})
		return
	}
	delete(svc.routes, route)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (g *FakeGateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	svc, ok := g.services[r.PathValue("agent")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}
	if g.held {
		writeJSON(w, http.StatusOK, map[string]any{"healthy": false, "detail": "target not answering"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": true, "target": bareTarget(svc.url)})
}

func (g *FakeGateway) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	svc, ok := g.services[r.PathValue("agent")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}
	target := r.PathValue("target")
	if _, ok := svc.targets[target]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown target"})
		return
	}
	delete(svc.targets, target)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func bareTarget(upstream string) string {
	upstream = strings.TrimPrefix(upstream, "https://")
	upstream = strings.TrimPrefix(upstream, "http://")
	return strings.TrimSuffix(upstream, "/")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
