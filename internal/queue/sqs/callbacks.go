package sqsqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"storefront/internal/providers/mpesa"
)

const defaultGroupBuckets = 256

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// CallbackEvent is the queued form of a provider callback. Keep it small;
// SQS has a 256KB message size limit.
type CallbackEvent struct {
	Provider          string          `json:"provider"`
	CheckoutRequestID string          `json:"checkoutRequestId,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Raw               string          `json:"raw,omitempty"`
	ReceivedAt        time.Time       `json:"receivedAt"`
}

// Body returns the callback body exactly as received.
func (e CallbackEvent) Body() []byte {
	if len(e.Payload) > 0 {
		return e.Payload
	}
	return []byte(e.Raw)
}

type CallbackProducer struct {
	SQS      API
	QueueURL string

	// On FIFO queues every checkout id gets its own message group, so a
	// callback held back for one intent never blocks another. GroupBuckets
	// spreads the callbacks that carry no usable checkout id.
	GroupBuckets int
	Now          func() time.Time
}

func (p *CallbackProducer) Enqueue(ctx context.Context, payload []byte) error {
	ev := CallbackEvent{Provider: "mpesa", ReceivedAt: p.now()}
	if json.Valid(payload) {
		ev.Payload = json.RawMessage(payload)
	} else {
		ev.Raw = string(payload)
	}
	if cb, err := mpesa.ParseCallback(payload); err == nil {
		ev.CheckoutRequestID = cb.CheckoutRequestID
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		sum := sha256.Sum256(payload)
		in.MessageGroupId = str(messageGroupID(ev.CheckoutRequestID, payload, p.GroupBuckets))
		in.MessageDeduplicationId = str(hex.EncodeToString(sum[:]))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func (p *CallbackProducer) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func messageGroupID(checkoutID string, payload []byte, buckets int) string {
	if validGroupKey(checkoutID) {
		return "cb-" + checkoutID
	}
	return messageGroupIDBucketed(string(payload), buckets)
}

// validGroupKey keeps provider-supplied ids within the SQS group id
// length and character limits.
func validGroupKey(s string) bool {
	if s == "" || len(s) > 120 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

func messageGroupIDBucketed(key string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("cb-%04d", h.Sum32()%uint32(buckets))
}

type CallbackHandler func(ctx context.Context, ev CallbackEvent) error

type CallbackConsumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent processes callback events with a worker pool. Messages are
// deleted only after the handler succeeds; unreadable ones are deleted
// straight away.
func (c *CallbackConsumer) PollConcurrent(ctx context.Context, workers int, handler CallbackHandler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if m.Body == nil {
					c.delete(ctx, m)
					continue
				}

				var ev CallbackEvent
				if err := json.Unmarshal([]byte(*m.Body), &ev); err != nil {
					slog.Warn("dropping unreadable callback message", "err", err, "message_id", deref(m.MessageId))
					c.delete(ctx, m)
					continue
				}

				if err := handler(ctx, ev); err != nil {
					// Left on the queue for redrive.
					slog.Error("sqs callback handler error", "err", err, "checkout_request_id", ev.CheckoutRequestID)
					continue
				}
				c.delete(ctx, m)
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("sqs receive callback message failed", "err", err)
				}
				select {
				case <-time.After(500 * time.Millisecond):
				case <-ctx.Done():
				}
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh
	wg.Wait()
	return err
}

func (c *CallbackConsumer) delete(ctx context.Context, m types.Message) {
	// Finished work is deleted even while shutting down.
	_, err := c.SQS.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Error("sqs delete message failed", "err", err, "message_id", deref(m.MessageId))
	}
}

func str(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
