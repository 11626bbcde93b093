package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestRequestReplyRoundTrip(t *testing.T) {
	b := New()
	sub := b.Subscribe("conv-1")
	defer sub.Close()

	request := models.NewEvent(models.EventApprovalRequest, "conv-1", "turn-1", 1, models.ApprovalRequestData{RequestID: "req-1"})

	go func() {
		// Simulate the client: observe the request, then answer.
		ev := <-sub.Events()
		if ev.Type != models.EventApprovalRequest {
			return
		}
		reply := models.NewEvent(models.EventApprovalResponse, "conv-1", "turn-1", 0, models.ApprovalResponseData{
			RequestID: "req-1",
			Decision:  "approve",
		})
		b.Resolve("req-1", reply)
	}()

	reply, err := b.RequestReply(context.Background(), "req-1", request, time.Second)
	if err != nil {
		t.Fatalf("RequestReply: %v", err)
	}
	if reply.Type != models.EventApprovalResponse {
		t.Errorf("reply type = %s, want approval.response", reply.Type)
	}
}

func TestRequestReplyTimeout(t *testing.T) {
	b := New()
	request := models.NewEvent(models.EventApprovalRequest, "conv-1", "turn-1", 1, nil)

	_, err := b.RequestReply(context.Background(), "req-t", request, 20*time.Millisecond)
	if !errors.Is(err, ErrReplyTimeout) {
		t.Errorf("err = %v, want ErrReplyTimeout", err)
	}
}

func TestRequestReplyCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	request := models.NewEvent(models.EventApprovalRequest, "conv-1", "turn-1", 1, nil)
	_, err := b.RequestReply(ctx, "req-c", request, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestResolveFirstResponseWins(t *testing.T) {
	b := New()
	request := models.NewEvent(models.EventApprovalRequest, "conv-1", "turn-1", 1, nil)

	done := make(chan models.Event, 1)
	go func() {
		reply, err := b.RequestReply(context.Background(), "req-d", request, time.Second)
		if err != nil {
			t.Errorf("RequestReply: %v", err)
		}
		done <- reply
	}()

	// Wait for the slot to register.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := b.pending.Load("req-d"); ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	first := models.NewEvent(models.EventApprovalResponse, "conv-1", "turn-1", 0, models.ApprovalResponseData{RequestID: "req-d", Decision: "approve"})
	second := models.NewEvent(models.EventApprovalResponse, "conv-1", "turn-1", 0, models.ApprovalResponseData{RequestID: "req-d", Decision: "reject"})

	if !b.Resolve("req-d", first) {
		t.Fatal("first Resolve returned false")
	}
	if b.Resolve("req-d", second) {
		t.Error("second Resolve claimed an already-resolved request")
	}

	reply := <-done
	var data models.ApprovalResponseData
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		t.Fatalf("bad reply payload: %v", err)
	}
	if data.Decision != "approve" {
		t.Errorf("honored decision = %s, want the first (approve)", data.Decision)
	}
}

func TestResolveWithoutRequest(t *testing.T) {
	b := New()
	reply := models.NewEvent(models.EventApprovalResponse, "conv-1", "turn-1", 0, nil)
	if b.Resolve("never-registered", reply) {
		t.Error("Resolve for unknown correlation returned true")
	}
}
