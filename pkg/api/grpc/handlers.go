package grpc

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/fingerprint"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// submission is the payload of a Submit call.
type submission struct {
	PassID string `msgpack:"pass_id"`
	Rank   int    `msgpack:"rank"`
	World  int    `msgpack:"world"`
	Stats  []byte `msgpack:"stats"`
}

func encodeSubmission(passID string, rank, world int, st *stats.Statistics) (*wrapperspb.BytesValue, error) {
	if st == nil {
		st = &stats.Statistics{}
	}
	data, err := stats.Encode(st)
	if err != nil {
		return nil, err
	}
	payload, err := msgpack.Marshal(&submission{PassID: passID, Rank: rank, World: world, Stats: data})
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	return wrapperspb.Bytes(payload), nil
}

// Submit implements the Submit RPC
func (r *Reducer) Submit(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var sub submission
	if err := msgpack.Unmarshal(req.GetValue(), &sub); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed submission: "+err.Error())
	}
	if err := validateSubmission(&sub); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	st, err := stats.Decode(sub.Stats)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	fields := map[string]interface{}{
		"pass":  fingerprint.Short(sub.PassID),
		"from":  sub.Rank,
		"count": st.Count,
	}

	r.mu.Lock()
	if r.dropped[sub.PassID] {
		r.mu.Unlock()
		r.logger.Debug("Dropping submission for cached pass", fields)
		return &emptypb.Empty{}, nil
	}
	p := r.passLocked(sub.PassID)
	if _, dup := p.partials[sub.Rank]; dup {
		r.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "rank %d already submitted pass %s", sub.Rank, sub.PassID)
	}
	p.partials[sub.Rank] = st
	close(p.changed)
	p.changed = make(chan struct{})
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.PartialsReceived.Inc()
	}
	r.logger.Debug("Received partial", fields)
	return &emptypb.Empty{}, nil
}

func validateSubmission(sub *submission) error {
	if sub.PassID == "" {
		return fmt.Errorf("pass id is required")
	}
	if sub.World < 2 {
		return fmt.Errorf("world size %d has no remote ranks", sub.World)
	}
	if sub.Rank < 1 || sub.Rank >= sub.World {
		return fmt.Errorf("rank %d out of range for world size %d", sub.Rank, sub.World)
	}
	return nil
}

func formatRanks(ranks []int) string {
	if len(ranks) == 0 {
		return "none"
	}
	parts := make([]string, len(ranks))
	for i, r := range ranks {
		parts[i] = strconv.Itoa(r)
	}
	return "ranks " + strings.Join(parts, ",")
}
