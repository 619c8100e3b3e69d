package services

import (
	"context"

	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/realtime"
	"github.com/khenlevy/stocksync-backend/internal/sse"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

// JobNotifier fans job and cycle events out to local SSE subscribers and onto
// the cross-node bus. It implements executor.Notifier and cycle.StatusNotifier.
type JobNotifier struct {
	hub *sse.Hub
	bus realtime.Bus
	log *logger.Logger
}

func NewJobNotifier(hub *sse.Hub, bus realtime.Bus, baseLog *logger.Logger) *JobNotifier {
	return &JobNotifier{
		hub: hub,
		bus: bus,
		log: baseLog.With("component", "JobNotifier"),
	}
}

func (n *JobNotifier) JobCreated(rec *types.JobRecord) {
	n.emit(sse.EventJobCreated, rec)
}

func (n *JobNotifier) JobProgress(rec *types.JobRecord, fraction float64, message string) {
	n.emit(sse.EventJobProgress, map[string]any{
		"id":       rec.ID,
		"name":     rec.Name,
		"progress": fraction,
		"message":  message,
	})
}

func (n *JobNotifier) JobPaused(rec *types.JobRecord, reason string) {
	n.emit(sse.EventJobPaused, map[string]any{
		"id":     rec.ID,
		"name":   rec.Name,
		"reason": reason,
	})
}

func (n *JobNotifier) JobFailed(rec *types.JobRecord, errMsg string) {
	n.emit(sse.EventJobFailed, map[string]any{
		"id":    rec.ID,
		"name":  rec.Name,
		"error": errMsg,
	})
}

func (n *JobNotifier) JobDone(rec *types.JobRecord) {
	n.emit(sse.EventJobDone, rec)
}

func (n *JobNotifier) CycleStatusChanged(st *types.CycledListStatus) {
	msg := sse.Message{
		Channel: sse.CycleChannel(st.Name),
		Event:   sse.EventCycleStatusChanged,
		Data:    st,
	}
	n.hub.Broadcast(msg)
	n.publish(msg)
}

func (n *JobNotifier) emit(event sse.Event, data any) {
	msg := sse.Message{Channel: sse.ChannelJobs, Event: event, Data: data}
	n.hub.Broadcast(msg)
	n.publish(msg)
}

func (n *JobNotifier) publish(msg sse.Message) {
	if n.bus == nil {
		return
	}
	if err := n.bus.Publish(context.Background(), msg); err != nil {
		n.log.Warn("Bus publish failed", "channel", msg.Channel, "event", msg.Event, "error", err)
	}
}
