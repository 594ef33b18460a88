// Package server orchestrates all components: COMMS client (or embedded
// broker), transport channel, controller, journal, node events, management
// API and the HTTP health endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/morezero/fleet-controller/internal/config"
	"github.com/morezero/fleet-controller/pkg/bootstrap"
	"github.com/morezero/fleet-controller/pkg/commsutil"
	"github.com/morezero/fleet-controller/pkg/controller"
	"github.com/morezero/fleet-controller/pkg/db"
	"github.com/morezero/fleet-controller/pkg/dispatcher"
	"github.com/morezero/fleet-controller/pkg/events"
	"github.com/morezero/fleet-controller/pkg/metrics"
	"github.com/morezero/fleet-controller/pkg/registry"
	"github.com/morezero/fleet-controller/pkg/rules"
	"github.com/morezero/fleet-controller/pkg/transport"
)

const logPrefix = "server:server"

// Server is the fleet-controller orchestrator.
type Server struct {
	cfg *config.Config

	ns        *commsserver.Server
	nc        *comms.Conn
	pool      *pgxpool.Pool
	journal   *db.Journal
	publisher events.EventPublisher
	channel   *transport.Channel
	ctrl      *controller.Controller
	promReg   *prometheus.Registry
	mgmtSub   *comms.Subscription
	disp      *dispatcher.Dispatcher

	httpServer *http.Server
	cancel     context.CancelFunc
	runDone    chan struct{}
	running    bool
	closeOnce  sync.Once
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run(cfg *config.Config) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLogLevel(cfg.LogLevel)})))
	slog.Info(fmt.Sprintf("%s - Starting fleet-controller", logPrefix))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	ctx := context.Background()
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		s.Shutdown(ctx)
		return err
	}

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Fleet controller %s is ready", logPrefix, s.ctrl.UUID()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s.Shutdown(shutdownCtx)
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// ParseLogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New connects every component. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}
	if err := s.init(ctx); err != nil {
		s.Shutdown(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := s.cfg

	// Step 1: Load bootstrap catalog and static groups
	bootstrapCfg, err := bootstrap.LoadBootstrapConfig(cfg.BootstrapFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load bootstrap config: %w", logPrefix, err)
	}
	catalog := bootstrap.CreateCatalog(bootstrapCfg)

	// Step 2: Connect to COMMS, starting the embedded broker if asked to
	url := cfg.COMMSURL
	if cfg.EmbeddedCOMMS {
		ns, err := commsutil.StartEmbedded("0.0.0.0", cfg.EmbeddedCOMMSPort)
		if err != nil {
			return fmt.Errorf("%s - failed to start embedded COMMS: %w", logPrefix, err)
		}
		s.ns = ns
		url = ns.ClientURL()
	}
	nc, err := commsutil.Connect(url, cfg.COMMSName, commsutil.ConnectOptions{
		OnDisconnect: func(err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
		},
	})
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 3: Journal database (optional)
	if cfg.JournalEnabled() {
		if err := s.openJournal(ctx); err != nil {
			return err
		}
	}

	// Step 4: Metrics, node events and the transport channel
	m := metrics.New()
	s.promReg = metrics.NewRegistry(m)
	var journaled events.EventPublisher
	if s.journal != nil {
		journaled = journalPublisher(s.journal)
	}
	s.publisher = events.Fanout(
		events.NewCommsPublisher(nc, &events.CommsPublisherOpts{Subject: cfg.NodeEventSubject}),
		journaled,
	)

	ch, err := transport.New(nc, transport.Options{
		UplinkPrefix:   cfg.UplinkPrefix,
		DownlinkPrefix: cfg.DownlinkPrefix,
		PollTimeout:    cfg.PollTimeout,
		Metrics:        m,
	})
	if err != nil {
		return fmt.Errorf("%s - failed to open transport: %w", logPrefix, err)
	}
	s.channel = ch

	// Step 5: Controller
	var recorder rules.Recorder
	if s.journal != nil {
		recorder = s.journal
	}
	s.ctrl = controller.New(controller.NewControllerParams{
		Transport:    ch,
		Catalog:      catalog,
		Metrics:      m,
		RuleRecorder: recorder,
		Config: controller.Config{
			UUID:        cfg.ControllerUUID,
			Name:        cfg.ControllerName,
			Info:        cfg.ControllerInfo,
			CallTimeout: cfg.RequestTimeout,
			Registry: registry.Config{
				HeartbeatInterval:      cfg.HeartbeatInterval,
				LivenessTick:           cfg.LivenessTick,
				AckDelay:               cfg.DiscoveryAckDelay,
				AgentVersionConstraint: cfg.AgentVersionConstraint,
			},
		},
	})
	s.ctrl.Registry().OnNewNode(s.nodeJoined)
	s.ctrl.Registry().OnNodeExit(s.nodeLeft)

	return nil
}

func (s *Server) openJournal(ctx context.Context) error {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrations(s.cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if _, err := db.Migrate(ctx, pool, migrations); err != nil {
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	s.journal = db.NewJournal(pool)
	return nil
}

// Start subscribes the management API, starts the controller lifecycle and
// its receive loop.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.runDone = make(chan struct{})

	s.disp = dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Controller: s.ctrl,
		DB:         s.dbPinger(),
		History:    s.journalHistory(),
	})
	sub, err := s.nc.Subscribe(s.cfg.MgmtSubject, s.disp.HandleMsg(runCtx, s.cfg.RequestTimeout))
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, s.cfg.MgmtSubject, err)
	}
	s.mgmtSub = sub
	slog.Info(fmt.Sprintf("%s - Management API on %s", logPrefix, s.cfg.MgmtSubject))

	if err := s.ctrl.Start(ctx); err != nil {
		return err
	}
	s.running = true
	go func() {
		defer close(s.runDone)
		if err := s.ctrl.Run(runCtx); err != nil {
			slog.Error(fmt.Sprintf("%s - receive loop ended: %v", logPrefix, err))
		}
	}()
	return nil
}

// Shutdown stops every component in reverse order of New. Safe to call
// more than once and on a partially built server.
func (s *Server) Shutdown(ctx context.Context) {
	s.closeOnce.Do(func() {
		if s.httpServer != nil {
			_ = s.httpServer.Shutdown(ctx)
		}
		if s.mgmtSub != nil {
			_ = s.mgmtSub.Unsubscribe()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.disp != nil {
			s.disp.Wait()
		}
		if s.running {
			<-s.runDone
		}
		if s.ctrl != nil {
			if err := s.ctrl.Stop(ctx); err != nil {
				slog.Warn(fmt.Sprintf("%s - controller stop: %v", logPrefix, err))
			}
		}
		if s.channel != nil {
			s.channel.Close()
		}
		if s.nc != nil {
			_ = s.nc.Drain()
		}
		if s.pool != nil {
			s.pool.Close()
		}
		if s.ns != nil {
			s.ns.Shutdown()
			s.ns.WaitForShutdown()
		}
	})
}

// Controller returns the running controller.
func (s *Server) Controller() *controller.Controller { return s.ctrl }

func (s *Server) dbPinger() registry.Pinger {
	if s.pool == nil {
		return nil
	}
	return s.pool
}

func (s *Server) journalHistory() dispatcher.History {
	if s.journal == nil {
		return nil
	}
	return s.journal
}

func (s *Server) nodeJoined(n *registry.Node) {
	s.recordNodeChange(n, events.ChangeJoined, "")
}

func (s *Server) nodeLeft(n *registry.Node, reason string) {
	s.recordNodeChange(n, events.ChangeLeft, reason)
}

func (s *Server) recordNodeChange(n *registry.Node, change, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.publisher.PublishNodeChanged(ctx, &events.NodeChangedEvent{
		NodeUUID:  n.UUID,
		Name:      n.Name,
		IP:        n.IP,
		Version:   n.Version,
		Change:    change,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %s event for %s: %v", logPrefix, change, n.UUID, err))
	}
}

// journalPublisher records node events in the journal.
func journalPublisher(j *db.Journal) events.EventPublisher {
	return events.PublisherFunc(func(ctx context.Context, ev *events.NodeChangedEvent) error {
		at, _ := time.Parse(time.RFC3339, ev.Timestamp)
		return j.RecordNodeEvent(ctx, db.NodeEvent{
			NodeUUID:   ev.NodeUUID,
			Name:       ev.Name,
			IP:         ev.IP,
			Change:     ev.Change,
			Reason:     ev.Reason,
			Version:    ev.Version,
			OccurredAt: at,
		})
	})
}

// Handler returns the HTTP routes: dashboard, health, readiness, node list
// and prometheus metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/nodes", s.handleNodes)
	mux.Handle("/metrics", metrics.Handler(s.promReg))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.ctrl.Registry().Health(ctx, s.dbPinger())
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.channel == nil || !s.channel.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not-ready"})
		return
	}
	_ = json.NewEncoder(w).Encode(readyOutput{Status: "ready", Topics: s.channel.Topics()})
}

// readyOutput lists the uplink topics the controller is listening on.
type readyOutput struct {
	Status string   `json:"status"`
	Topics []string `json:"topics"`
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.ctrl.Registry().Nodes()
	out := make([]registry.NodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Snapshot())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// homePageTemplate is the HTML for the fleet dashboard.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Fleet Controller</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>{{.Name}}</h1>
  <p class="meta">Controller {{.UUID}}{{if .Info}} &middot; {{.Info}}{{end}}</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Nodes: {{.Health.Nodes}} &middot; Groups: {{.Health.Groups}} &middot; {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Nodes</h2>
    {{if not .Nodes}}
    <p>No nodes connected.</p>
    {{else}}
    <table>
      <thead><tr><th>Name</th><th>UUID</th><th>IP</th><th>Version</th><th>Modules</th><th>Since</th></tr></thead>
      <tbody>
        {{range .Nodes}}
        <tr>
          <td>{{.Name}}</td><td>{{.UUID}}</td><td>{{.IP}}</td><td>{{.Version}}</td>
          <td>{{range .Modules}}{{.Name}} {{end}}</td><td>{{.DiscoveredAt}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Groups</h2>
    {{if not .Groups}}
    <p>No groups.</p>
    {{else}}
    <table>
      <thead><tr><th>Group</th><th>Members</th></tr></thead>
      <tbody>
        {{range .Groups}}<tr><td>{{.Name}}</td><td>{{range .Nodes}}{{.}} {{end}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Name   string
	UUID   string
	Info   string
	Health *registry.HealthOutput
	Nodes  []registry.NodeSnapshot
	Groups []dispatcher.GroupOutput
}

// handleHome returns an HTTP handler for the fleet dashboard.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		reg := s.ctrl.Registry()
		data := homeData{
			Name:   s.ctrl.Name(),
			UUID:   s.ctrl.UUID(),
			Info:   s.ctrl.Info(),
			Health: reg.Health(ctx, s.dbPinger()),
		}
		for _, n := range reg.Nodes() {
			data.Nodes = append(data.Nodes, n.Snapshot())
		}
		for _, name := range reg.Groups() {
			g, ok := reg.LookupGroup(name)
			if !ok {
				continue
			}
			out := dispatcher.GroupOutput{Name: name}
			for _, n := range g.Nodes() {
				out.Nodes = append(out.Nodes, n.Name)
			}
			data.Groups = append(data.Groups, out)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
