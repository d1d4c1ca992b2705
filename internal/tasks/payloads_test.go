package tasks

import (
	"errors"
	"testing"

	"github.com/hibiken/asynq"
)

func TestNewTask_RejectsMissingFields(t *testing.T) {
	_, err := NewTask(TypeAVScan, AVScanPayload{DocumentID: "d1"})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload got %v", err)
	}
}

func TestNewTaskDecodeRoundTrip(t *testing.T) {
	in := AnalysisPayload{RunID: "r1", UserID: "u1", JDID: "j1", ResumeVersionID: "v1"}
	task, err := NewTask(TypeScore, in)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if task.Type() != TypeScore {
		t.Fatalf("unexpected type %s", task.Type())
	}

	out, err := Decode[AnalysisPayload](task)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("payload mismatch: %+v vs %+v", out, in)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode[ParsePayload](asynq.NewTask(TypeParse, []byte("{not json")))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload got %v", err)
	}
}

func TestEmbedPayloadValidate(t *testing.T) {
	if err := (EmbedPayload{DocumentID: "d", UserID: "u"}).Validate(); err == nil {
		t.Fatalf("embed without content must fail")
	}
	if err := (EmbedPayload{DocumentID: "d", UserID: "u", Chunks: []string{"a"}}).Validate(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestQueuePriorities(t *testing.T) {
	if !(QueuePriorities[QueueAVScan] > QueuePriorities[QueueParse] &&
		QueuePriorities[QueueParse] > QueuePriorities[QueueEmbed] &&
		QueuePriorities[QueueEmbed] > QueuePriorities[QueueScore]) {
		t.Fatalf("unexpected priority order %v", QueuePriorities)
	}
	for _, q := range Queues() {
		if _, ok := QueuePriorities[q]; !ok {
			t.Fatalf("queue %s missing weight", q)
		}
	}
}
