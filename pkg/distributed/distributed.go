// Package distributed splits work across ranks and folds their partial
// statistics back together.
//
// A rank is a goroutine of the local Pool or a separate worker process that
// reports to rank 0 over gRPC. Every rank receives an explicit RankContext;
// nothing about the topology is global.
package distributed

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// ShardMode selects how item indices are assigned to ranks.
type ShardMode int

const (
	// Strided assigns item i to rank i mod world.
	Strided ShardMode = iota
	// Contiguous assigns each rank one consecutive block.
	Contiguous
)

func (m ShardMode) String() string {
	if m == Contiguous {
		return "contiguous"
	}
	return "strided"
}

// ParseShardMode parses "strided" or "contiguous"; empty means strided.
func ParseShardMode(s string) (ShardMode, error) {
	switch strings.ToLower(s) {
	case "", "strided":
		return Strided, nil
	case "contiguous":
		return Contiguous, nil
	}
	return Strided, errdefs.Configf("distributed.shard", "unknown shard mode %q", s)
}

// Shard returns the item indices of rank, in ascending order. The shards of
// all ranks partition [0, n).
func Shard(n, rank, world int, mode ShardMode) []int {
	if world <= 0 || rank < 0 || rank >= world || n <= 0 {
		return nil
	}
	var out []int
	switch mode {
	case Contiguous:
		lo, hi := rank*n/world, (rank+1)*n/world
		out = make([]int, 0, hi-lo)
		for i := lo; i < hi; i++ {
			out = append(out, i)
		}
	default:
		out = make([]int, 0, n/world+1)
		for i := rank; i < n; i += world {
			out = append(out, i)
		}
	}
	return out
}

// RankContext describes the rank a piece of work runs on.
type RankContext struct {
	Rank      int
	WorldSize int
	Device    string
	Verbose   bool
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// NewRankContext builds the context of one rank. Non-primary ranks only log
// warnings and errors unless verbose.
func NewRankContext(rank, world int, device string, verbose bool, logger *observability.Logger, metrics *observability.Metrics) *RankContext {
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.WithField("rank", rank)
	if rank != 0 && !verbose && logger.Level() < observability.WARN {
		logger = logger.WithLevel(observability.WARN)
	}
	return &RankContext{
		Rank:      rank,
		WorldSize: world,
		Device:    device,
		Verbose:   verbose,
		Logger:    logger,
		Metrics:   metrics,
	}
}

// IsPrimary reports whether this is rank 0, the only rank that writes shared
// state.
func (rc *RankContext) IsPrimary() bool {
	return rc.Rank == 0
}

// Shard returns this rank's indices out of n items.
func (rc *RankContext) Shard(n int, mode ShardMode) []int {
	return Shard(n, rc.Rank, rc.WorldSize, mode)
}

// Partial is one rank's contribution to a pass.
type Partial struct {
	Rank  int
	Stats *stats.Statistics
}

// Reduce folds partials in rank order. Empty partials are identities.
func Reduce(partials []Partial) (*stats.Statistics, error) {
	sorted := append([]Partial(nil), partials...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	out := &stats.Statistics{}
	for i, p := range sorted {
		if i > 0 && sorted[i-1].Rank == p.Rank {
			return nil, errors.Errorf("duplicate partial from rank %d", p.Rank)
		}
		if err := out.MergeFrom(p.Stats); err != nil {
			return nil, errors.Wrapf(err, "merge partial from rank %d", p.Rank)
		}
	}
	return out, nil
}

// Gatherer collects the partials that remote ranks submitted for a pass.
type Gatherer interface {
	Gather(ctx context.Context, passID string, world int) ([]Partial, error)
	// Drop discards a pass that will not be gathered.
	Drop(passID string)
}

// Submitter sends a rank's partial to rank 0.
type Submitter interface {
	Submit(ctx context.Context, passID string, world int, p Partial) error
}

// TaskFunc computes one rank's partial statistics.
type TaskFunc func(ctx context.Context, rc *RankContext) (*stats.Statistics, error)

// Pool runs one goroutine per rank.
type Pool struct {
	ranks []*RankContext
}

// NewPool creates world in-process ranks.
func NewPool(world int, device string, verbose bool, logger *observability.Logger, metrics *observability.Metrics) *Pool {
	if world < 1 {
		world = 1
	}
	p := &Pool{ranks: make([]*RankContext, world)}
	for r := range p.ranks {
		p.ranks[r] = NewRankContext(r, world, device, verbose, logger, metrics)
	}
	if metrics != nil {
		metrics.UpdateWorldSize(world)
	}
	return p
}

// NewPoolOf runs only the given ranks in this process; the others are remote.
func NewPoolOf(ranks ...*RankContext) *Pool {
	return &Pool{ranks: ranks}
}

// WorldSize returns the total number of ranks, local and remote.
func (p *Pool) WorldSize() int { return p.ranks[0].WorldSize }

// Primary returns the first local rank, which is rank 0 unless this process
// is a worker.
func (p *Pool) Primary() *RankContext { return p.ranks[0] }

// Run executes fn on every rank concurrently and reduces the partials. If any
// rank fails, the others are cancelled and no result is returned.
func (p *Pool) Run(ctx context.Context, fn TaskFunc) (*stats.Statistics, error) {
	results := make(chan Partial, len(p.ranks))
	g, gctx := errgroup.WithContext(ctx)
	for _, rc := range p.ranks {
		rc := rc
		g.Go(func() error {
			st, err := fn(gctx, rc)
			if err != nil {
				return errors.Wrapf(err, "rank %d", rc.Rank)
			}
			results <- Partial{Rank: rc.Rank, Stats: st}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	partials := make([]Partial, 0, len(p.ranks))
	for part := range results {
		partials = append(partials, part)
	}
	return Reduce(partials)
}
