// Package monitor serves the operator HTTP API and a websocket event stream
// on top of a session, plus Prometheus metrics.
package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"shockctl/pkg/config"
	hosterrors "shockctl/pkg/errors"
	"shockctl/pkg/events"
	"shockctl/pkg/history"
	"shockctl/pkg/log"
	"shockctl/pkg/metrics"
	"shockctl/pkg/runner"
	"shockctl/pkg/serial"
	"shockctl/pkg/session"
	"shockctl/pkg/timeline"
)

// Controller is the session surface the API drives. *session.Session
// satisfies it.
type Controller interface {
	Connect(ctx context.Context, dev string) (string, error)
	Disconnect() error
	LoadProtocol(path string) (*config.Protocol, error)
	LoadRandom(path string) (session.RandomStats, error)
	Start(ctx context.Context, experiment string) (string, error)
	Stop(ctx context.Context) (bool, error)
	Manual(side timeline.Side) (string, error)
	Status() session.Snapshot
	Bus() *events.Bus
	Transcript() *events.Transcript
}

var _ Controller = (*session.Session)(nil)

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":7130".
	Addr string

	Session Controller
	// History enables the /api/runs endpoints when set.
	History *history.Store
	// Metrics enables /metrics when set.
	Metrics *metrics.ShockMetrics
	Logger  *log.Logger
}

// DefaultAddr is the default listen address.
const DefaultAddr = ":7130"

// Server is the HTTP and websocket front end.
type Server struct {
	sess    Controller
	hist    *history.Store
	metrics *metrics.ShockMetrics
	log     *log.Logger
	addr    string

	echo     *echo.Echo
	listener net.Listener

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	subMu sync.Mutex
	sub   *events.Subscription
	wg    sync.WaitGroup
}

// New creates a server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		sess:      cfg.Session,
		hist:      cfg.History,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		addr:      cfg.Addr,
		wsClients: make(map[int64]*wsClient),
	}
	if s.log == nil {
		s.log = log.GetLogger("monitor")
	}
	if s.addr == "" {
		s.addr = DefaultAddr
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	s.RegisterRoutes(e)
	s.echo = e
	return s
}

// Echo returns the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// RegisterRoutes registers routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.Health)

	e.GET("/api/status", s.GetStatus)
	e.GET("/api/ports", s.ListPorts)
	e.POST("/api/connect", s.Connect)
	e.POST("/api/disconnect", s.Disconnect)
	e.POST("/api/protocol", s.LoadProtocol)
	e.POST("/api/random", s.LoadRandom)
	e.POST("/api/run/start", s.StartRun)
	e.POST("/api/run/stop", s.StopRun)
	e.POST("/api/manual", s.Manual)
	e.GET("/api/transcript", s.GetTranscript)

	e.GET("/api/runs", s.ListRuns)
	e.GET("/api/runs/:run_id", s.GetRun)
	e.GET("/api/runs/:run_id/log", s.GetRunLog)

	e.GET("/websocket", s.handleWebSocket)

	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler("", "")))
	}
}

// Listen binds the listen address. Addr reports the bound address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Serve forwards session events to websocket clients and serves HTTP until
// Shutdown. It calls Listen if needed.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.Forward(ctx)

	s.echo.Listener = s.listener
	s.log.Info("monitor listening on %s", s.Addr())
	err := s.echo.Start("")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Forward starts relaying session events to websocket clients until ctx
// ends or Shutdown is called. Repeated calls are no-ops.
func (s *Server) Forward(ctx context.Context) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub != nil {
		return
	}
	sub := s.sess.Bus().Subscribe(events.DefaultBuffer)
	s.sub = sub
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		events.Consume(ctx, sub, s.broadcast)
	}()
}

// Shutdown closes websocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsClientMu.Lock()
	for _, c := range s.wsClients {
		c.Close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	err := s.echo.Shutdown(ctx)
	s.subMu.Lock()
	if s.sub != nil {
		s.sub.Close()
	}
	s.subMu.Unlock()
	s.wg.Wait()
	return err
}

// Health returns health status.
// GET /health
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GetStatus returns the session snapshot.
// GET /api/status
func (s *Server) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sess.Status())
}

// ListPorts lists candidate serial devices.
// GET /api/ports
func (s *Server) ListPorts(c echo.Context) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return s.fail(c, err)
	}
	if ports == nil {
		ports = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"ports": ports})
}

type connectRequest struct {
	Device string `json:"device"`
}

// Connect opens the device.
// POST /api/connect
func (s *Server) Connect(c echo.Context) error {
	var req connectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ack, err := s.sess.Connect(c.Request().Context(), req.Device)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ack": ack, "status": s.sess.Status()})
}

// Disconnect closes the device.
// POST /api/disconnect
func (s *Server) Disconnect(c echo.Context) error {
	if err := s.sess.Disconnect(); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type pathRequest struct {
	Path string `json:"path"`
}

// LoadProtocol loads a protocol file on the host.
// POST /api/protocol
func (s *Server) LoadProtocol(c echo.Context) error {
	var req pathRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return badRequest(c, "path is required")
	}
	p, err := s.sess.LoadProtocol(req.Path)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"experiment": p.Experiment,
		"phases":     len(p.Phases),
		"warnings":   p.Warnings,
	})
}

// LoadRandom loads a random schedule file on the host.
// POST /api/random
func (s *Server) LoadRandom(c echo.Context) error {
	var req pathRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return badRequest(c, "path is required")
	}
	rs, err := s.sess.LoadRandom(req.Path)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, rs)
}

type startRequest struct {
	Experiment string `json:"experiment"`
}

// StartRun starts a run of the loaded protocol.
// POST /api/run/start
func (s *Server) StartRun(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	id, err := s.sess.Start(c.Request().Context(), req.Experiment)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": id})
}

// StopRun stops the active run.
// POST /api/run/stop
func (s *Server) StopRun(c echo.Context) error {
	stopped, err := s.sess.Stop(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"stopped": stopped})
}

type manualRequest struct {
	Side string `json:"side"`
}

// Manual sends one MODE command while idle.
// POST /api/manual
func (s *Server) Manual(c echo.Context) error {
	var req manualRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	side, err := timeline.ParseSide(req.Side)
	if err != nil || !side.IsDevice() {
		return badRequest(c, "side must be one of N, U, D, A")
	}
	ack, err := s.sess.Manual(side)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"side": side.String(), "ack": ack})
}

// GetTranscript returns the current or last run's transcript.
// GET /api/transcript
func (s *Server) GetTranscript(c echo.Context) error {
	lines := s.sess.Transcript().Lines()
	if lines == nil {
		lines = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"lines": lines})
}

// ListRuns lists recorded runs.
// GET /api/runs?experiment=&state=&limit=
func (s *Server) ListRuns(c echo.Context) error {
	if s.hist == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "history disabled"})
	}
	f := history.Filter{
		Experiment: c.QueryParam("experiment"),
		State:      c.QueryParam("state"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	runs, err := s.hist.List(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]runResponse, len(runs))
	for i, r := range runs {
		out[i] = toRunResponse(r)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": out})
}

// GetRun returns one recorded run.
// GET /api/runs/:run_id
func (s *Server) GetRun(c echo.Context) error {
	if s.hist == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "history disabled"})
	}
	r, err := s.hist.Get(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, toRunResponse(r))
}

// GetRunLog returns a recorded run's transcript.
// GET /api/runs/:run_id/log
func (s *Server) GetRunLog(c echo.Context) error {
	if s.hist == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "history disabled"})
	}
	lines, err := s.hist.Log(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return s.fail(c, err)
	}
	if lines == nil {
		lines = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"lines": lines})
}

type runResponse struct {
	RunID           string `json:"run_id"`
	Experiment      string `json:"experiment,omitempty"`
	Protocol        string `json:"protocol,omitempty"`
	State           string `json:"state"`
	Error           string `json:"error,omitempty"`
	StartedAt       int64  `json:"started_at"`
	EndedAt         int64  `json:"ended_at"`
	TotalPhases     int    `json:"total_phases"`
	PhasesCompleted int    `json:"phases_completed"`
	PlannedMS       int64  `json:"planned_ms"`
	ModeErrors      int    `json:"mode_errors"`
}

func toRunResponse(r history.Run) runResponse {
	return runResponse{
		RunID:           r.RunID,
		Experiment:      r.Experiment,
		Protocol:        r.Protocol,
		State:           r.State,
		Error:           r.Error,
		StartedAt:       r.StartedAt.UnixMilli(),
		EndedAt:         r.EndedAt.UnixMilli(),
		TotalPhases:     r.TotalPhases,
		PhasesCompleted: r.PhasesCompleted,
		PlannedMS:       r.PlannedMS,
		ModeErrors:      r.ModeErrors,
	}
}

// statusCode maps session errors onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, runner.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoProtocol),
		hosterrors.IsValidation(err), hosterrors.IsConfig(err),
		errors.Is(err, timeline.ErrBadSide):
		return http.StatusBadRequest
	case hosterrors.Is(err, hosterrors.ErrDeviceDisconnected), hosterrors.Is(err, hosterrors.ErrProtocolIO):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c echo.Context, err error) error {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// broadcast sends one event to every websocket client.
func (s *Server) broadcast(e events.Event) {
	msg := notification{JSONRPC: "2.0", Method: "notify_run_event", Params: []any{e}}
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, c := range s.wsClients {
		c.Send(msg)
	}
}

// clients returns the number of connected websocket clients.
func (s *Server) clients() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

// pingInterval is how often idle websocket clients are pinged.
var pingInterval = 30 * time.Second
