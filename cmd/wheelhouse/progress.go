package main

import (
	"context"
	"strings"

	"github.com/moby/buildkit/client"
	"github.com/moby/buildkit/solver/pb"
	"github.com/moby/buildkit/util/bklog"
	"github.com/opencontainers/go-digest"
	"github.com/vito/progrock"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const internalPrefix = "[internal] "

func toVertex(v *client.Vertex) *progrock.Vertex {
	vtx := &progrock.Vertex{
		Id:     v.Digest.String(),
		Name:   v.Name,
		Cached: v.Cached,
	}
	if name, ok := strings.CutPrefix(v.Name, internalPrefix); ok {
		vtx.Internal = true
		vtx.Name = name
	}
	for _, input := range v.Inputs {
		vtx.Inputs = append(vtx.Inputs, input.String())
	}
	if v.Started != nil {
		vtx.Started = timestamppb.New(*v.Started)
	}
	if v.Completed != nil {
		vtx.Completed = timestamppb.New(*v.Completed)
	}
	if v.Error != "" {
		if strings.HasSuffix(v.Error, context.Canceled.Error()) {
			vtx.Canceled = true
		} else {
			msg := v.Error
			vtx.Error = &msg
		}
	}
	return vtx
}

// convertStatus translates a buildkit status event into a progrock update.
func convertStatus(event *client.SolveStatus) *progrock.StatusUpdate {
	if event == nil {
		return nil
	}

	var status progrock.StatusUpdate
	for _, v := range event.Vertexes {
		status.Vertexes = append(status.Vertexes, toVertex(v))
	}

	for _, s := range event.Statuses {
		task := &progrock.VertexTask{
			Vertex:  s.Vertex.String(),
			Name:    s.ID,
			Total:   s.Total,
			Current: s.Current,
		}
		if s.Started != nil {
			task.Started = timestamppb.New(*s.Started)
		}
		if s.Completed != nil {
			task.Completed = timestamppb.New(*s.Completed)
		}
		status.Tasks = append(status.Tasks, task)
	}

	for _, l := range event.Logs {
		status.Logs = append(status.Logs, &progrock.VertexLog{
			Vertex:    l.Vertex.String(),
			Stream:    progrock.LogStream(l.Stream),
			Data:      l.Data,
			Timestamp: timestamppb.New(l.Timestamp),
		})
	}

	return &status
}

// recordEvents feeds solve status events into the recorder until ch is
// closed. Vertexes are grouped by their progress group.
// The solve blocks on ch, so events are drained even after recording fails.
func recordEvents(ctx context.Context, ch <-chan *client.SolveStatus, r *progrock.Recorder) {
	var failed bool
	for event := range ch {
		if event == nil || failed {
			continue
		}

		var ungrouped []digest.Digest
		for _, v := range event.Vertexes {
			if g := progressGroup(v.ProgressGroup, r); g != nil {
				g.Join(v.Digest)
			} else {
				ungrouped = append(ungrouped, v.Digest)
			}
		}
		r.Join(ungrouped...)

		if err := r.Record(convertStatus(event)); err != nil {
			bklog.G(ctx).WithError(err).Warn("Error recording build progress, progress output disabled")
			failed = true
		}
	}
}

func progressGroup(pg *pb.ProgressGroup, r *progrock.Recorder) *progrock.Recorder {
	if pg == nil {
		return nil
	}
	if pg.Weak {
		return r.WithGroup(pg.Name, progrock.Weak())
	}
	return r.WithGroup(pg.Name)
}
