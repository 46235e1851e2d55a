// Package monitoring turns a running scheduler into a small web service that
// reports progress and pacing and lets an operator pause, continue, run and
// stop the dispatch loop.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/simkernel/monitoring/web"
	"github.com/sarchlab/simkernel/sim/pacing"
	"github.com/sarchlab/simkernel/sim/timing"
	"github.com/sarchlab/simkernel/tracing"
)

// Monitor can turn a simulation into a server and allows external monitoring
// controlling of the simulation.
type Monitor struct {
	scheduler  *timing.Scheduler
	summary    *tracing.SummaryTracer
	portNumber int
	logger     zerolog.Logger

	componentsLock sync.RWMutex
	components     map[string]any

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	running atomic.Bool
	runLock sync.Mutex
	runErr  error

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		logger:     zerolog.Nop(),
		components: make(map[string]any),
	}
}

// WithPortNumber sets the port number of the monitor. StartServer replaces
// ports below 1000 with a random port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(logger zerolog.Logger) *Monitor {
	m.logger = logger
	return m
}

// RegisterScheduler registers the scheduler that is used in the simulation.
func (m *Monitor) RegisterScheduler(s *timing.Scheduler) {
	m.scheduler = s
}

// RegisterSummaryTracer sets the tracer that backs /api/trace.
func (m *Monitor) RegisterSummaryTracer(t *tracing.SummaryTracer) {
	m.summary = t
}

// RegisterComponent registers an object whose fields can be inspected.
func (m *Monitor) RegisterComponent(name string, c any) {
	m.componentsLock.Lock()
	defer m.componentsLock.Unlock()

	if _, ok := m.components[name]; ok {
		panic("component " + name + " already registered")
	}

	m.components[name] = c
}

// Router returns the HTTP handler serving the monitor API and dashboard.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()

	fServer := http.FileServer(web.GetAssets())

	r.HandleFunc("/api/pause", m.pauseScheduler).Methods(http.MethodPost)
	r.HandleFunc("/api/continue", m.continueScheduler).Methods(http.MethodPost)
	r.HandleFunc("/api/run", m.run).Methods(http.MethodPost)
	r.HandleFunc("/api/stop", m.stop).Methods(http.MethodPost)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/status", m.status)
	r.HandleFunc("/api/pacing", m.pacing)
	r.HandleFunc("/api/trace", m.trace)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(fServer)

	return r
}

// StartServer starts serving in the background and returns the base URL.
func (m *Monitor) StartServer() (string, error) {
	port := m.portNumber
	if port != 0 && port < 1000 {
		m.logger.Warn().
			Int("port", port).
			Msg("port not allowed for the monitor, using a random port")

		port = 0
	}

	addr := fmt.Sprintf("localhost:%d", port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("monitor: %w", err)
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	m.logger.Info().Str("url", url).Msg("monitoring simulation")

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("monitor server failed")
		}
	}()

	return url, nil
}

// OpenBrowser opens url in the default browser.
func (m *Monitor) OpenBrowser(url string) {
	browser.Stdout = os.Stderr
	if err := browser.OpenURL(url); err != nil {
		m.logger.Warn().Err(err).Msg("cannot open browser")
	}
}

// Shutdown stops the server.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) pauseScheduler(w http.ResponseWriter, _ *http.Request) {
	m.scheduler.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Monitor) continueScheduler(w http.ResponseWriter, _ *http.Request) {
	m.scheduler.Continue()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Monitor) stop(w http.ResponseWriter, _ *http.Request) {
	m.scheduler.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Monitor) run(w http.ResponseWriter, _ *http.Request) {
	if !m.running.CompareAndSwap(false, true) {
		http.Error(w, "already running", http.StatusConflict)
		return
	}

	go func() {
		defer m.running.Store(false)

		err := m.scheduler.Run()
		if err != nil {
			m.logger.Error().Err(err).Msg("run started from monitor failed")
		}

		m.runLock.Lock()
		m.runErr = err
		m.runLock.Unlock()
	}()

	w.WriteHeader(http.StatusAccepted)
}

type nowRsp struct {
	Now         time.Duration `json:"now"`
	RealtimeNow time.Duration `json:"realtime_now"`
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, nowRsp{
		Now:         m.scheduler.Now(),
		RealtimeNow: m.scheduler.RealtimeNow(),
	})
}

type statusRsp struct {
	Now           time.Duration  `json:"now"`
	NextEventTime *time.Duration `json:"next_event_time"`
	Pending       int            `json:"pending"`
	Executed      uint64         `json:"executed"`
	Paused        bool           `json:"paused"`
	Running       bool           `json:"running"`
	Finished      bool           `json:"finished"`
	LastError     string         `json:"last_error,omitempty"`
}

func (m *Monitor) status(w http.ResponseWriter, _ *http.Request) {
	rsp := statusRsp{
		Now:      m.scheduler.Now(),
		Pending:  m.scheduler.PendingEvents(),
		Executed: m.scheduler.EventCount(),
		Paused:   m.scheduler.IsPaused(),
		Running:  m.running.Load(),
		Finished: m.scheduler.IsFinished(),
	}

	if next, ok := m.scheduler.NextEventTime(); ok {
		rsp.NextEventTime = &next
	}

	m.runLock.Lock()
	if m.runErr != nil {
		rsp.LastError = m.runErr.Error()
	}
	m.runLock.Unlock()

	m.writeJSON(w, rsp)
}

type statsProvider interface {
	Stats() pacing.RealtimeStats
}

type pacingRsp struct {
	Realtime bool                  `json:"realtime"`
	Drift    time.Duration         `json:"drift"`
	Stats    *pacing.RealtimeStats `json:"stats,omitempty"`
}

func (m *Monitor) pacing(w http.ResponseWriter, _ *http.Request) {
	synchronizer := m.scheduler.Synchronizer()

	rsp := pacingRsp{
		Realtime: synchronizer.Realtime(),
		Drift:    synchronizer.Drift(m.scheduler.Now()),
	}

	if p, ok := synchronizer.(statsProvider); ok {
		stats := p.Stats()
		rsp.Stats = &stats
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) trace(w http.ResponseWriter, _ *http.Request) {
	if m.summary == nil {
		http.Error(w, "tracing disabled", http.StatusNotFound)
		return
	}

	m.writeJSON(w, m.summary.Summary())
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	m.componentsLock.RLock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	m.componentsLock.RUnlock()

	sort.Strings(names)

	m.writeJSON(w, names)
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	component := m.findComponentOr404(w, name)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	if err := serializer.Serialize(w); err != nil {
		m.logger.Error().Err(err).Str("component", name).Msg("serialize failed")
	}
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := serializer.Serialize(w); err != nil {
		m.logger.Error().Err(err).Str("component", req.CompName).
			Msg("serialize failed")
	}
}

func (m *Monitor) findComponentOr404(w http.ResponseWriter, name string) any {
	m.componentsLock.RLock()
	component := m.components[name]
	m.componentsLock.RUnlock()

	if component == nil {
		http.Error(w, "Component not found", http.StatusNotFound)
	}

	return component
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.internalError(w, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.internalError(w, err)
		return
	}

	memoryInfo, err := proc.MemoryInfo()
	if err != nil {
		m.internalError(w, err)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

type profileEntry struct {
	Function string        `json:"function"`
	Flat     time.Duration `json:"flat"`
}

// collectProfile samples the CPU for a second and reports the hottest
// functions.
func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	select {
	case <-time.After(time.Second):
	case <-r.Context().Done():
	}

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.internalError(w, err)
		return
	}

	m.writeJSON(w, topFunctions(prof, 20))
}

func topFunctions(prof *profile.Profile, n int) []profileEntry {
	valueIndex := len(prof.SampleType) - 1
	flat := make(map[string]int64)

	for _, s := range prof.Sample {
		if len(s.Location) == 0 || len(s.Location[0].Line) == 0 {
			continue
		}

		fn := s.Location[0].Line[0].Function
		if fn == nil || valueIndex < 0 {
			continue
		}

		flat[fn.Name] += s.Value[valueIndex]
	}

	entries := make([]profileEntry, 0, len(flat))
	for name, v := range flat {
		entries = append(entries, profileEntry{
			Function: name,
			Flat:     time.Duration(v),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Flat != entries[j].Flat {
			return entries[i].Flat > entries[j].Flat
		}

		return entries[i].Function < entries[j].Function
	})

	if len(entries) > n {
		entries = entries[:n]
	}

	return entries
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error().Err(err).Msg("writing monitor response failed")
	}
}

func (m *Monitor) internalError(w http.ResponseWriter, err error) {
	m.logger.Error().Err(err).Msg("monitor request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
