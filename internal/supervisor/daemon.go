package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/peerd/internal/history"
)

// DaemonOptions wires both supervisors, the poll loop and shutdown.
type DaemonOptions struct {
	Storage StorageOptions
	RPC     RPCOptions
	// ExplicitStorage is set when the storage endpoint came from config or
	// flags rather than defaults.
	ExplicitStorage bool
	PollInterval    time.Duration
	ShutdownWait    time.Duration
	Logger          *slog.Logger
	History         *history.Recorder
}

// Daemon keeps the storage node and the RPC server running until Shutdown.
type Daemon struct {
	token    *Token
	storage  *StorageSupervisor
	rpc      *RPCSupervisor
	loop     *PollLoop
	coord    *Coordinator
	log      *slog.Logger
	hist     *history.Recorder
	explicit bool
}

func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	token := NewToken()

	so := opts.Storage
	so.Token, so.Logger, so.History = token, log, opts.History
	storage, err := NewStorageSupervisor(so)
	if err != nil {
		return nil, err
	}
	ro := opts.RPC
	ro.Token, ro.Logger, ro.History = token, log, opts.History
	rpc, err := NewRPCSupervisor(ro)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		token:    token,
		storage:  storage,
		rpc:      rpc,
		log:      log.With("component", "daemon"),
		hist:     opts.History,
		explicit: opts.ExplicitStorage,
	}
	d.loop = NewPollLoop(opts.PollInterval, d.Tick, log)
	d.coord = NewCoordinator(ShutdownOptions{
		Loop:    d.loop,
		Token:   token,
		RPC:     rpc,
		Storage: storage,
		MaxWait: opts.ShutdownWait,
		Logger:  log,
	})
	storage.SetGate(d.storageManagedElsewhere)
	storage.SetExitHook(d.loop.Kick)
	return d, nil
}

// Tick reconciles storage, then RPC.
func (d *Daemon) Tick(ctx context.Context) error {
	return errors.Join(d.storage.Reconcile(ctx), d.rpc.Reconcile(ctx))
}

// storageManagedElsewhere holds storage back while a foreign RPC server is
// in charge, unless the user pointed us at a storage endpoint explicitly.
func (d *Daemon) storageManagedElsewhere(ctx context.Context) bool {
	switch d.rpc.State() {
	case ExternallyOwned:
		return true
	case Owned, Starting:
		return false
	}
	if d.explicit {
		return false
	}
	taken, _ := d.rpc.opts.Prober.PortTaken(ctx, d.rpc.opts.URL)
	if taken {
		d.log.Debug("rpc port held by another program, leaving storage to it")
	}
	return taken
}

// Start runs the first reconcile synchronously and then starts the poll
// loop. A storage port conflict on the first pass is returned before the RPC
// server is touched, after tearing down the daemon.
func (d *Daemon) Start(ctx context.Context) error {
	// storage first: a conflict must abort before the RPC server is up
	serr := d.storage.Reconcile(ctx)
	if errors.Is(serr, ErrPortConflict) {
		if err := d.Shutdown(context.WithoutCancel(ctx)); err != nil {
			d.log.Error("shutdown after port conflict", "error", err)
		}
		return serr
	}
	if err := errors.Join(serr, d.rpc.Reconcile(ctx)); err != nil {
		d.log.Warn("initial reconcile failed, will retry", "error", err)
	}
	d.loop.Start(ctx)
	return nil
}

// Shutdown runs the shutdown sequence once; see Coordinator.
func (d *Daemon) Shutdown(ctx context.Context) error { return d.coord.Shutdown(ctx) }

// Done is closed after shutdown has finished.
func (d *Daemon) Done() <-chan struct{} { return d.coord.Done() }

// Kick requests an immediate reconcile.
func (d *Daemon) Kick() { d.loop.Kick() }

// Token is the shared exit token.
func (d *Daemon) Token() *Token { return d.token }

// Status is the combined view served by the admin API.
type Status struct {
	RunID    string        `json:"run_id,omitempty"`
	Exiting  bool          `json:"exiting"`
	Storage  StorageStatus `json:"storage"`
	RPC      RPCStatus     `json:"rpc"`
	Observed time.Time     `json:"observed_at"`
}

func (d *Daemon) Status() Status {
	return Status{
		RunID:    d.hist.RunID(),
		Exiting:  d.token.IsSet(),
		Storage:  d.storage.Status(),
		RPC:      d.rpc.Status(),
		Observed: time.Now().UTC(),
	}
}

// PIDs maps each subsystem to the pid of the process we own, if any.
func (d *Daemon) PIDs() map[string]int {
	out := make(map[string]int, 2)
	if pid := d.storage.PID(); pid > 0 {
		out["storage"] = pid
	}
	if pid := d.rpc.PID(); pid > 0 {
		out["rpc"] = pid
	}
	return out
}
