package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"mailsync_server/core/service/mailsync"
	"mailsync_server/pkg/logger"
)

// NotificationSink accepts decoded push notifications (mailsync.NotificationIntake).
type NotificationSink interface {
	Accept(ctx context.Context, note mailsync.Notification, source string) (mailsync.IntakeOutcome, error)
}

type SubscriberConfig struct {
	ProjectID       string
	Subscription    string // id or projects/{p}/subscriptions/{id}
	CredentialsFile string
	MaxOutstanding  int
	NumGoroutines   int
}

// Subscriber pulls Gmail watch notifications from a Pub/Sub subscription and
// hands them to the same intake the webhook uses.
type Subscriber struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	sink   NotificationSink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSubscriber(ctx context.Context, cfg SubscriberConfig, sink NotificationSink) (*Subscriber, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	sub := client.Subscription(subscriptionID(cfg.Subscription))
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}

	return &Subscriber{client: client, sub: sub, sink: sink}, nil
}

// Start receives in the background until Stop. Receive returns on
// non-retryable errors, which are logged.
func (s *Subscriber) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Info("[Subscriber.Start] receiving from %s", s.sub.ID())
		err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			if s.handle(ctx, msg.Data) {
				msg.Ack()
				return
			}
			msg.Nack()
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("[Subscriber.Start] receive stopped: %v", err)
		}
	}()
}

func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.client.Close(); err != nil {
		logger.Warn("[Subscriber.Stop] close client: %v", err)
	}
}

// handle reports whether the message should be acked. Malformed payloads are
// acked so they are not redelivered forever.
func (s *Subscriber) handle(ctx context.Context, data []byte) bool {
	note, err := mailsync.DecodeNotification(data)
	if err != nil {
		logger.Warn("[Subscriber.handle] malformed notification: %v", err)
		return true
	}

	outcome, err := s.sink.Accept(ctx, note, "pubsub")
	if err != nil {
		logger.WithError(err).Warn("[Subscriber.handle] enqueue failed for %s, nacking", note.EmailAddress)
		return false
	}
	logger.Debug("[Subscriber.handle] %s historyId=%d -> %s", note.EmailAddress, note.HistoryID, outcome)
	return true
}

func subscriptionID(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
