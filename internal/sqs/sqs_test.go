package sqs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/intake"
	"github.com/lalithlochan/beacon/internal/notify"
)

type fakeAPI struct {
	mu         sync.Mutex
	sent       []*sqs.SendMessageInput
	batches    []*sqs.SendMessageBatchInput
	failIDs    map[string]bool
	messages   []types.Message
	receiveErr error
	deleted    []string
	visibility map[string]int32
}

func (f *fakeAPI) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	return &sqs.SendMessageOutput{MessageId: aws.String(fmt.Sprintf("m-%d", len(f.sent)))}, nil
}

func (f *fakeAPI) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, params)
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range params.Entries {
		if f.failIDs[aws.ToString(e.Id)] {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{Id: e.Id, Code: aws.String("InternalError")})
			continue
		}
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: e.Id, MessageId: aws.String("m-" + aws.ToString(e.Id))})
	}
	return out, nil
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	msgs := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(params.ReceiptHandle)] = params.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeAPI) deletedHandles() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, h := range f.deleted {
		out[h] = true
	}
	return out
}

func request() *notify.Request {
	return &notify.Request{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Type:      notify.TypeTaskDue,
		Channel:   notify.ChannelEmail,
		Priority:  70,
		Recipient: "student@example.com",
	}
}

func TestProducer_Enqueue(t *testing.T) {
	api := &fakeAPI{}
	p := NewProducerWithClient(api, "https://sqs.us-east-1.amazonaws.com/123456789012/beacon", zap.NewNop())
	req := request()

	id, err := p.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id != "m-1" {
		t.Errorf("unexpected message id %q", id)
	}

	in := api.sent[0]
	decoded, err := notify.Decode([]byte(aws.ToString(in.MessageBody)))
	if err != nil {
		t.Fatalf("body is not a request: %v", err)
	}
	if decoded.ID != req.ID || decoded.Recipient != req.Recipient {
		t.Errorf("body mismatch: %+v", decoded)
	}
	if aws.ToString(in.MessageAttributes["channel"].StringValue) != "email" ||
		aws.ToString(in.MessageAttributes["priority"].StringValue) != "70" {
		t.Errorf("unexpected attributes %+v", in.MessageAttributes)
	}
	if in.MessageGroupId != nil || in.MessageDeduplicationId != nil {
		t.Error("standard queue must not set FIFO fields")
	}
}

func TestProducer_FIFOQueueDeduplicatesByNotification(t *testing.T) {
	api := &fakeAPI{}
	p := NewProducerWithClient(api, "https://sqs.us-east-1.amazonaws.com/123456789012/beacon.fifo", zap.NewNop())
	req := request()

	if _, err := p.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	in := api.sent[0]
	if aws.ToString(in.MessageDeduplicationId) != req.ID.String() || aws.ToString(in.MessageGroupId) != req.UserID.String() {
		t.Errorf("unexpected fifo fields: group=%v dedup=%v", in.MessageGroupId, in.MessageDeduplicationId)
	}
}

func TestProducer_EnqueueBatchChunksAndReportsFailures(t *testing.T) {
	reqs := make([]*notify.Request, 23)
	for i := range reqs {
		reqs[i] = request()
	}
	api := &fakeAPI{failIDs: map[string]bool{reqs[4].ID.String(): true}}
	p := NewProducerWithClient(api, "https://sqs.us-east-1.amazonaws.com/123456789012/beacon", zap.NewNop())

	ids, err := p.EnqueueBatch(context.Background(), reqs)
	if err == nil {
		t.Error("expected partial failure error")
	}
	if len(api.batches) != 3 || len(api.batches[2].Entries) != 3 {
		t.Errorf("expected batches of 10, 10 and 3, got %d batches", len(api.batches))
	}
	if len(ids) != 22 {
		t.Errorf("expected 22 accepted, got %d", len(ids))
	}
	if _, ok := ids[reqs[4].ID.String()]; ok {
		t.Error("failed entry should not be reported as accepted")
	}
}

func TestProducer_EnqueueBatchEmpty(t *testing.T) {
	api := &fakeAPI{}
	p := NewProducerWithClient(api, "https://sqs.us-east-1.amazonaws.com/123456789012/beacon", zap.NewNop())

	ids, err := p.EnqueueBatch(context.Background(), nil)
	if err != nil || len(ids) != 0 || len(api.batches) != 0 {
		t.Errorf("expected no-op, got %v, %v", ids, err)
	}
}

type fakeSubmitter struct {
	mu   sync.Mutex
	got  []*notify.Request
	errs map[uuid.UUID]error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req *notify.Request) (*intake.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[req.ID]; err != nil {
		return nil, err
	}
	f.got = append(f.got, req)
	return &intake.Receipt{NotificationID: req.ID, Status: intake.StatusQueued}, nil
}

func message(handle string, body string) types.Message {
	return types.Message{
		MessageId:     aws.String("id-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	}
}

func TestConsumer_Poll(t *testing.T) {
	good, invalid, flaky := request(), request(), request()
	body := func(r *notify.Request) string {
		b, err := r.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return string(b)
	}

	api := &fakeAPI{messages: []types.Message{
		message("h-good", body(good)),
		message("h-invalid", body(invalid)),
		message("h-flaky", body(flaky)),
		message("h-garbage", "{not json"),
	}}
	sub := &fakeSubmitter{errs: map[uuid.UUID]error{
		invalid.ID: &notify.ValidationError{Field: "recipient", Reason: "bad"},
		flaky.ID:   errors.New("redis unavailable"),
	}}
	c := NewConsumerWithClient(api, "queue-url", sub, ConsumerConfig{ErrorBackoff: 3 * time.Second}, zap.NewNop())

	n, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 messages, got %d", n)
	}
	if len(sub.got) != 1 || sub.got[0].ID != good.ID {
		t.Errorf("expected only the good request submitted, got %d", len(sub.got))
	}

	deleted := api.deletedHandles()
	for _, h := range []string{"h-good", "h-invalid", "h-garbage"} {
		if !deleted[h] {
			t.Errorf("expected %s deleted", h)
		}
	}
	if deleted["h-flaky"] {
		t.Error("failed submission must stay on the queue")
	}
	if api.visibility["h-flaky"] != 3 {
		t.Errorf("expected visibility shortened to 3s, got %d", api.visibility["h-flaky"])
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	api := &fakeAPI{receiveErr: errors.New("throttled")}
	c := NewConsumerWithClient(api, "queue-url", &fakeSubmitter{}, ConsumerConfig{ErrorBackoff: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
