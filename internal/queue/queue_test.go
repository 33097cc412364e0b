package queue

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/oplog"
)

func op(path string, v int) models.Operation {
	raw, _ := json.Marshal(v)
	return models.Operation{Kind: models.OpAssignInt, Path: models.MustPath(path), Value: raw}
}

func TestEnqueueSignalsOnce(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "exec-1"), oplog.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(op("a", i)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-q.Notify():
		t.Fatal("notifications must coalesce")
	default:
	}
}

func TestEnqueueBatchAndDrain(t *testing.T) {
	q, err := Open(t.TempDir(), oplog.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	last, err := q.EnqueueBatch([]models.Operation{op("a", 1), op("b", 2), op("c", 3)})
	if err != nil {
		t.Fatalf("enqueue batch: %v", err)
	}
	if last != 3 || q.LastPut() != 3 || q.Backlog() != 3 {
		t.Fatalf("after batch: last %d put %d backlog %d", last, q.LastPut(), q.Backlog())
	}

	if err := q.Ack(2); err != nil {
		t.Fatalf("ack: %v", err)
	}
	r := q.Pending()
	defer r.Close()
	recs, err := r.Batch(10)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(recs) != 1 || recs[0].Version != 3 || recs[0].Op.Path.String() != "c" {
		t.Fatalf("pending: got %+v", recs)
	}
}

func TestEnqueueFailsAfterClose(t *testing.T) {
	q, err := Open(t.TempDir(), oplog.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	q.Close()
	if _, err := q.Enqueue(op("a", 1)); err == nil {
		t.Fatal("expected error after close")
	}
}
