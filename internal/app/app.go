package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"repairline/internal/config"
	"repairline/internal/db"
	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/events"
	"repairline/internal/gateway"
	"repairline/internal/ledger"
	"repairline/internal/migrate"
	"repairline/internal/reconcile"
)

// ServerSubscriber names the reconciliation loops the server itself runs.
const ServerSubscriber = "server"

type Options struct {
	Workspace string
	// Config overrides the workspace's repairline.yml.
	Config *config.Config
	// LogOutput receives every component log; defaults to stderr.
	LogOutput io.Writer
}

// App holds every long-lived component of one workspace.
type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Ledger     *ledger.Ledger
	Gateway    *gateway.Gateway
	Engine     engine.Engine
	Reconciler *reconcile.Reconciler
	Relay      *events.Relay

	watching atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closers  []func() error
}

func logger(w io.Writer, prefix string) *log.Logger {
	return log.New(w, prefix, log.LstdFlags)
}

// Open loads config, opens both stores and wires the components together.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	a := &App{Workspace: opts.Workspace, Config: cfg}

	projPath := cfg.Projection.Path
	if projPath == "" {
		projPath = db.Path(opts.Workspace)
	}
	conn, err := db.Open(projPath)
	if err != nil {
		return nil, fmt.Errorf("open projection: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(ctx, conn); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrate projection: %w", err)
	}

	ledgerPath := cfg.Ledger.Path
	if ledgerPath == "" {
		ledgerPath = db.LedgerPath(opts.Workspace)
	}
	l, err := ledger.Open(ledgerPath)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	l.Logger = logger(out, "ledger: ")
	a.Ledger = l
	a.closers = append(a.closers, l.Close)

	a.Gateway = gateway.New(l, cfg.Gateway.Timeout, gateway.BusyPolicy(cfg.Gateway.OnBusy))
	a.Gateway.Logger = logger(out, "gateway: ")

	a.Engine = engine.New(conn, cfg, a.Gateway)
	a.Engine.Logger = logger(out, "engine: ")
	a.Engine.OnCreate = a.watch

	a.Reconciler = reconcile.New(a.Gateway.Get, a.Engine.ApplySnapshot, reconcile.Options{
		SuccessInterval: cfg.Reconcile.SuccessInterval,
		FailureInterval: cfg.Reconcile.FailureInterval,
		MaxStaleness:    cfg.Reconcile.MaxStaleness,
		Logger:          logger(out, "reconcile: "),
	})

	sinks, err := a.sinks(out)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Relay = &events.Relay{Source: a.Engine.Repo, Sinks: sinks, Logger: logger(out, "relay: ")}
	return a, nil
}

func (a *App) sinks(out io.Writer) ([]events.Sink, error) {
	var sinks []events.Sink
	if url := strings.TrimSpace(a.Config.Broker.URL); url != "" {
		pub, err := events.NewRabbitPublisher(url, a.Config.Broker.Exchange)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		sinks = append(sinks, events.Sink{Publisher: pub, Filter: events.NewFilter(nil)})
	}
	for _, hook := range a.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		sinks = append(sinks, events.Sink{
			Publisher: &events.WebhookPublisher{
				URL:     hook.URL,
				Secret:  hook.Secret,
				Timeout: time.Duration(hook.TimeoutSeconds) * time.Second,
			},
			Filter: events.NewFilter(hook.Events),
		})
	}
	if len(sinks) == 0 {
		sinks = append(sinks, events.Sink{Publisher: events.LogPublisher{Logger: logger(out, "events: ")}})
	}
	return sinks, nil
}

// watch subscribes the server loop for ref once Start has run.
func (a *App) watch(ref domain.EntityRef) {
	if a.watching.Load() {
		a.Reconciler.Subscribe(reconcile.Key{Subscriber: ServerSubscriber, Ref: ref})
	}
}

// Start runs the background work a serving process needs: a reconciliation
// loop for every entity the ledger knows and the event relay.
func (a *App) Start(ctx context.Context) error {
	refs, err := a.Ledger.Refs(ctx)
	if err != nil {
		return err
	}
	a.watching.Store(true)
	for _, ref := range refs {
		a.watch(ref)
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Relay.Run(ctx)
	}()
	return nil
}

// Close stops background work, waits for pending submissions and closes the stores.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.Reconciler != nil {
		a.Reconciler.Close()
	}
	a.Engine.Wait()
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
