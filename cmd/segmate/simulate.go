package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/storage/shmem"
	"github.com/HayatoShiba/segmate/transaction"
	"github.com/HayatoShiba/segmate/transaction/sharedsnapshot"
	"github.com/HayatoShiba/segmate/transaction/snapshot"
	"github.com/HayatoShiba/segmate/transaction/txid"
)

type simOptions struct {
	sessions   int
	readers    int
	statements int
	cursors    int
	isolation  transaction.IsolationLevel
	dump       bool
}

type simResult struct {
	statements  atomic.Int64
	liveSyncs   atomic.Int64
	cursorSyncs atomic.Int64
	mu          sync.Mutex
	dumps       []string
}

func (r *simResult) addDump(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dumps = append(r.dumps, s)
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "run writer and reader processes of many sessions and verify the synced snapshots",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "sessions", Usage: "number of sessions", Value: 4, EnvVars: []string{"SEGMATE_SIM_SESSIONS"}},
			&cli.IntFlag{Name: "readers", Usage: "reader processes per session", Value: 2, EnvVars: []string{"SEGMATE_SIM_READERS"}},
			&cli.IntFlag{Name: "statements", Usage: "statements per transaction", Value: 10, EnvVars: []string{"SEGMATE_SIM_STATEMENTS"}},
			&cli.IntFlag{Name: "cursors", Usage: "cursor declarations per transaction", Value: 2, EnvVars: []string{"SEGMATE_SIM_CURSORS"}},
			&cli.StringFlag{Name: "isolation", Usage: "transaction isolation level", Value: transaction.DefaultIsolationLevel.String()},
			&cli.BoolFlag{Name: "dump", Usage: "print the shared snapshot dump of each session"},
			&cli.DurationFlag{Name: "linger", Usage: "keep serving metrics after the simulation"},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			logger := loggerFrom(c)
			level, err := transaction.ParseIsolationLevel(c.String("isolation"))
			if err != nil {
				return err
			}
			opts := simOptions{
				sessions:   c.Int("sessions"),
				readers:    c.Int("readers"),
				statements: c.Int("statements"),
				cursors:    c.Int("cursors"),
				isolation:  level,
				dump:       c.Bool("dump"),
			}

			promReg := prometheus.NewRegistry()
			promReg.MustRegister(collectors.NewGoCollector())
			shm := shmem.NewManager()
			reg, err := sharedsnapshot.NewRegistry(cfg, shm,
				sharedsnapshot.WithLogger(logger), sharedsnapshot.WithRegisterer(promReg))
			if err != nil {
				return errors.Wrap(err, "sharedsnapshot.NewRegistry failed")
			}

			var srv *http.Server
			if cfg.Metrics.Addr != "" {
				srv = serveMetrics(cfg.Metrics.Addr, promReg, logger)
			}

			start := time.Now()
			res, err := runSimulation(c.Context, reg, opts, logger)
			if err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintf(w, "sessions: %d, readers per session: %d, isolation: %s\n", opts.sessions, opts.readers, opts.isolation)
			fmt.Fprintf(w, "statements dispatched: %d\n", res.statements.Load())
			fmt.Fprintf(w, "live snapshot syncs verified: %d\n", res.liveSyncs.Load())
			fmt.Fprintf(w, "cursor snapshot syncs verified: %d\n", res.cursorSyncs.Load())
			fmt.Fprintf(w, "shared memory attaches: %d, segments left: %d\n", shm.AttachCount(), shm.NumSegments())
			fmt.Fprintf(w, "elapsed: %s\n", time.Since(start).Round(time.Millisecond))
			for _, d := range res.dumps {
				fmt.Fprintln(w, d)
			}

			if srv != nil {
				if linger := c.Duration("linger"); linger > 0 {
					time.Sleep(linger)
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return errors.Wrap(srv.Shutdown(ctx), "srv.Shutdown failed")
			}
			return nil
		},
	}
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, logger hclog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// runSimulation runs every session concurrently. all sessions share one proc array,
// so the snapshots contain the transactions of the other sessions.
func runSimulation(ctx context.Context, reg *sharedsnapshot.Registry, opts simOptions, logger hclog.Logger) (*simResult, error) {
	if opts.sessions <= 0 || opts.readers < 0 || opts.statements <= 0 || opts.cursors < 0 || opts.cursors > opts.statements {
		return nil, errors.Errorf("invalid simulation options %+v", opts)
	}
	tm := txid.NewManager()
	mgr := transaction.NewManager(tm, snapshot.NewManager(tm))
	res := &simResult{}

	var wg sync.WaitGroup
	errCh := make(chan error, opts.sessions)
	for s := 1; s <= opts.sessions; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runSession(ctx, reg, mgr, common.SessionID(s), opts, res, logger); err != nil {
				errCh <- errors.Wrapf(err, "session %d", s)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	return res, nil
}

type readerRequest struct {
	stmt  transaction.Statement
	endTx bool
}

type readerReply struct {
	proc common.ProcNumber
	snap *snapshot.Snapshot
	err  error
}

// runSession plays the dispatcher of one session: it sends each statement to the writer and the readers
func runSession(ctx context.Context, reg *sharedsnapshot.Registry, mgr *transaction.Manager, id common.SessionID,
	opts simOptions, res *simResult, logger hclog.Logger) error {
	logger = logger.With("session_id", id)
	baseProc := common.ProcNumber(int(id) * (opts.readers + 1))

	// the readers are started first and find the writer by polling
	requests := make([]chan readerRequest, opts.readers)
	replies := make(chan readerReply, opts.readers)
	readerDumps := make(chan string, 1)
	var readersWg sync.WaitGroup
	for i := range requests {
		requests[i] = make(chan readerRequest)
		proc := baseProc + common.ProcNumber(i+1)
		readersWg.Add(1)
		go func() {
			defer readersWg.Done()
			runReader(ctx, reg, id, proc, requests[i], replies, readerDumps, opts.dump && i == 0)
		}()
	}
	defer func() {
		for _, ch := range requests {
			close(ch)
		}
		readersWg.Wait()
	}()

	session, err := transaction.NewSession(ctx, id, mgr, sharedsnapshot.NewBackend(reg, baseProc, sharedsnapshot.RoleExecute, true), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Error("failed to close session", "error", err)
		}
	}()

	broadcast := func(req readerRequest) {
		for _, ch := range requests {
			ch <- req
		}
	}
	collect := func(expected *snapshot.Snapshot) error {
		var firstErr error
		for range requests {
			r := <-replies
			switch {
			case r.err != nil:
				if firstErr == nil {
					firstErr = errors.Wrapf(r.err, "reader %d", r.proc)
				}
			case expected != nil && !expected.Equal(r.snap):
				if firstErr == nil {
					firstErr = errors.Errorf("reader %d synced %s, writer published %s", r.proc, r.snap, expected)
				}
			}
		}
		return firstErr
	}

	if _, err := session.Begin(opts.isolation); err != nil {
		return err
	}
	cursorEvery := 0
	if opts.cursors > 0 {
		cursorEvery = opts.statements / opts.cursors
	}
	declared := map[transaction.Statement]*snapshot.Snapshot{}
	for i := 0; i < opts.statements; i++ {
		forCursor := cursorEvery > 0 && i%cursorEvery == 0 && len(declared) < opts.cursors
		var ds *snapshot.DistributedSnapshot
		if forCursor {
			ds = &snapshot.DistributedSnapshot{DistribSnapshotID: uint32(i + 1), InProgress: []snapshot.DistributedTxID{}}
		}
		stmt := session.NextStatement(forCursor, ds)

		if forCursor {
			// cursor declaration is dispatched twice: the writer dumps first, then the readers sync
			snap, err := session.Dispatch(stmt)
			if err != nil {
				return err
			}
			declared[stmt] = snap
			broadcast(readerRequest{stmt: stmt})
			if err := collect(snap); err != nil {
				return err
			}
			res.cursorSyncs.Add(int64(len(requests)))
		} else {
			// the readers wait for the writer to publish
			broadcast(readerRequest{stmt: stmt})
			snap, err := session.Dispatch(stmt)
			if err != nil {
				_ = collect(nil)
				return err
			}
			if err := collect(snap); err != nil {
				return err
			}
			res.liveSyncs.Add(int64(len(requests)))
		}
		res.statements.Add(1)
	}

	// fetch from the cursors again, the readers find them in their cache
	for stmt, snap := range declared {
		broadcast(readerRequest{stmt: stmt})
		if err := collect(snap); err != nil {
			return err
		}
		res.cursorSyncs.Add(int64(len(requests)))
	}

	if opts.dump && len(requests) > 0 {
		res.addDump(<-readerDumps)
	}
	broadcast(readerRequest{endTx: true})
	if err := collect(nil); err != nil {
		return err
	}
	return session.Commit()
}

func runReader(ctx context.Context, reg *sharedsnapshot.Registry, id common.SessionID, proc common.ProcNumber,
	requests <-chan readerRequest, replies chan<- readerReply, dumps chan string, dump bool) {
	reader, err := transaction.NewReader(ctx, id, sharedsnapshot.NewBackend(reg, proc, sharedsnapshot.RoleExecute, false))
	if err != nil {
		for range requests {
			replies <- readerReply{proc: proc, err: err}
		}
		return
	}
	defer reader.Close()

	for req := range requests {
		if req.endTx {
			reader.EndTransaction()
			replies <- readerReply{proc: proc}
			continue
		}
		snap, err := reader.Execute(ctx, req.stmt)
		if dump {
			// keep only the latest. sent before the reply so it is there once the statement is collected
			select {
			case <-dumps:
			default:
			}
			dumps <- reader.Dump()
		}
		replies <- readerReply{proc: proc, snap: snap, err: err}
	}
}
