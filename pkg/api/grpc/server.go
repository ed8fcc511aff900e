// Package grpc carries partial statistics from worker processes to rank 0.
//
// Rank 0 runs a Reducer; each worker dials it with a Client and submits one
// msgpack-encoded partial per pass.
package grpc

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/distributed"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// Reducer collects partials per pass on rank 0.
type Reducer struct {
	logger  *observability.Logger
	metrics *observability.Metrics

	grpcServer *grpc.Server
	listener   net.Listener
	startTime  time.Time
	shutdownMu sync.Mutex
	isShutdown bool

	mu      sync.Mutex
	passes  map[string]*pass
	dropped map[string]bool
}

// pass holds the partials received for one pass.
type pass struct {
	partials map[int]*stats.Statistics
	// changed is closed and replaced whenever a partial arrives.
	changed chan struct{}
}

// NewReducer creates a reducer that is not yet serving.
func NewReducer(logger *observability.Logger, metrics *observability.Metrics) *Reducer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Reducer{
		logger:    logger.WithField("component", "reducer"),
		metrics:   metrics,
		passes:    make(map[string]*pass),
		dropped:   make(map[string]bool),
		startTime: time.Now(),
	}
}

// Start listens on addr and serves in the background.
func (r *Reducer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return &errdefs.DistributedInitError{Rank: 0, Reason: "listen on " + addr, Err: err}
	}
	r.Serve(lis)
	return nil
}

// Serve serves on lis in the background.
func (r *Reducer) Serve(lis net.Listener) {
	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle: 5 * time.Minute,
		Time:              30 * time.Second,
		Timeout:           10 * time.Second,
	}
	r.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(kaParams),
		grpc.MaxRecvMsgSize(1<<30),
	)
	RegisterReducerServer(r.grpcServer, r)
	r.listener = lis

	r.logger.Info("Reducer listening", map[string]interface{}{"address": lis.Addr().String()})

	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			r.logger.Error("Reducer server error", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Addr returns the listening address, or "" before Serve.
func (r *Reducer) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Stop gracefully shuts down the server, forcing it after timeout.
func (r *Reducer) Stop(timeout time.Duration) {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()

	if r.isShutdown || r.grpcServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		r.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		r.logger.Debug("Reducer stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("Reducer shutdown timeout exceeded, forcing stop")
		r.grpcServer.Stop()
	}
	r.isShutdown = true
}

// Uptime returns server uptime
func (r *Reducer) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Gather waits until every rank in [1, world) has submitted its partial for
// passID, then returns them. Waiting past ctx's deadline is a
// DistributedInitError naming the missing ranks.
func (r *Reducer) Gather(ctx context.Context, passID string, world int) ([]distributed.Partial, error) {
	start := time.Now()
	for {
		r.mu.Lock()
		p := r.passLocked(passID)
		if len(p.partials) >= world-1 {
			out := make([]distributed.Partial, 0, len(p.partials))
			for rank, st := range p.partials {
				out = append(out, distributed.Partial{Rank: rank, Stats: st})
			}
			delete(r.passes, passID)
			r.mu.Unlock()
			if r.metrics != nil {
				r.metrics.RecordReduce(time.Since(start), len(out))
			}
			return out, nil
		}
		changed := p.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, &errdefs.DistributedInitError{
				Rank:   0,
				Reason: "gather " + passID + ": missing " + r.missing(passID, world),
				Err:    ctx.Err(),
			}
		}
	}
}

// Drop discards submissions for a pass that rank 0 served from cache.
func (r *Reducer) Drop(passID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.passes, passID)
	r.dropped[passID] = true
}

func (r *Reducer) passLocked(passID string) *pass {
	p, ok := r.passes[passID]
	if !ok {
		p = &pass{partials: make(map[int]*stats.Statistics), changed: make(chan struct{})}
		r.passes[passID] = p
	}
	return p
}

func (r *Reducer) missing(passID string, world int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.passLocked(passID)
	var ranks []int
	for rank := 1; rank < world; rank++ {
		if _, ok := p.partials[rank]; !ok {
			ranks = append(ranks, rank)
		}
	}
	return formatRanks(ranks)
}

var _ distributed.Gatherer = (*Reducer)(nil)
