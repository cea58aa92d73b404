package streams

import (
	"context"
	"log/slog"
	"time"

	"github.com/factorial-io/scotty/pkg/tasks"
	"github.com/factorial-io/scotty/pkg/ws"
)

// historicalBatchSize caps one historical task_output_data message.
const historicalBatchSize = 1000

// tailPollInterval is how often the tail loop looks for new lines.
const tailPollInterval = 100 * time.Millisecond

// TaskStore is the slice of the task manager the streamers need.
type TaskStore interface {
	GetDetails(taskID string) (tasks.Task, error)
	OutputBuffer(taskID string) (*tasks.Buffer, bool)
	OutputCollectionActive(taskID string) bool
}

// Subscriptions answers whether a client still wants a task's output.
// Implemented by the messenger.
type Subscriptions interface {
	IsSubscribedToTask(clientID, taskID string) bool
}

// TaskStreams replays and tails task output buffers per subscribed
// client.
type TaskStreams struct {
	store  TaskStore
	sender Sender
	subs   Subscriptions
}

// NewTaskStreams creates the task output stream service.
func NewTaskStreams(store TaskStore, sender Sender, subs Subscriptions) *TaskStreams {
	return &TaskStreams{store: store, sender: sender, subs: subs}
}

// Start opens a stream for one client: announce it, replay history when
// asked, then tail while output collection is active. The caller must
// have subscribed the client to the task beforehand.
func (t *TaskStreams) Start(ctx context.Context, clientID, taskID string, fromBeginning bool) error {
	if _, err := t.store.GetDetails(taskID); err != nil {
		return err
	}
	buffer, ok := t.store.OutputBuffer(taskID)
	if !ok {
		return tasks.ErrTaskNotFound
	}

	t.sender.SendToClient(clientID, ws.TypeTaskOutputStreamStarted, ws.TaskOutputStreamStarted{
		TaskID:     taskID,
		TotalLines: buffer.TotalProcessed(),
	})

	go t.run(ctx, clientID, taskID, buffer, fromBeginning)
	return nil
}

func (t *TaskStreams) run(ctx context.Context, clientID, taskID string, buffer *tasks.Buffer, fromBeginning bool) {
	nextSeq := t.replayHistory(clientID, taskID, buffer, fromBeginning)

	if !t.store.OutputCollectionActive(taskID) {
		t.end(clientID, taskID, "Stream completed")
		return
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !t.subs.IsSubscribedToTask(clientID, taskID) {
			t.end(clientID, taskID, "stopped by client")
			return
		}

		details, err := t.store.GetDetails(taskID)
		if err != nil {
			// Task was cleaned up; the manager already told subscribers.
			slog.Debug("Task vanished under output stream", "task_id", taskID)
			return
		}

		if lines := buffer.Since(nextSeq); len(lines) > 0 {
			nextSeq = lines[len(lines)-1].Sequence + 1
			t.sender.SendToClient(clientID, ws.TypeTaskOutputData, ws.TaskOutputData{
				TaskID: taskID,
				Lines:  lines,
			})
		}

		// Once the task is terminal and drained, the manager's terminal
		// broadcast has already carried the end reason.
		if details.State.IsTerminal() && len(buffer.Since(nextSeq)) == 0 {
			return
		}
	}
}

// replayHistory pages the buffered snapshot to the client and returns the
// first sequence the tail loop should send.
func (t *TaskStreams) replayHistory(clientID, taskID string, buffer *tasks.Buffer, fromBeginning bool) uint64 {
	snapshot := buffer.Snapshot()
	nextSeq := buffer.TotalProcessed()

	if !fromBeginning {
		return nextSeq
	}

	for start := 0; start < len(snapshot); start += historicalBatchSize {
		stop := start + historicalBatchSize
		if stop > len(snapshot) {
			stop = len(snapshot)
		}
		t.sender.SendToClient(clientID, ws.TypeTaskOutputData, ws.TaskOutputData{
			TaskID:       taskID,
			Lines:        snapshot[start:stop],
			IsHistorical: true,
			HasMore:      stop < len(snapshot),
		})
	}
	if len(snapshot) > 0 {
		return snapshot[len(snapshot)-1].Sequence + 1
	}
	return nextSeq
}

func (t *TaskStreams) end(clientID, taskID, reason string) {
	t.sender.SendToClient(clientID, ws.TypeTaskOutputStreamEnded, ws.TaskOutputStreamEnded{
		TaskID: taskID,
		Reason: reason,
	})
}
