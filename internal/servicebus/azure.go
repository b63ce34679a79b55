package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog"
)

// Options configures the Azure client.
type Options struct {
	ConnectionString string
	TopicName        string
	SubscriptionName string
	// SessionWait bounds a single AcceptNextSession call.
	SessionWait time.Duration
	// ReceiveWait bounds a single Receive call.
	ReceiveWait time.Duration
}

// Client implements SessionAcceptor, DeadLetterSource and DeadLetterPeeker on one
// Azure Service Bus topic subscription.
type Client struct {
	sb     *azservicebus.Client
	opts   Options
	logger zerolog.Logger

	peekMu   sync.Mutex
	peekRecv *azservicebus.Receiver
}

func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.TopicName == "" || opts.SubscriptionName == "" {
		return nil, fmt.Errorf("service bus topic and subscription names are required")
	}
	sb, err := azservicebus.NewClientFromConnectionString(opts.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}
	if opts.SessionWait <= 0 {
		opts.SessionWait = 30 * time.Second
	}
	if opts.ReceiveWait <= 0 {
		opts.ReceiveWait = 10 * time.Second
	}
	return &Client{
		sb:     sb,
		opts:   opts,
		logger: logger.With().Str("component", "ServiceBusClient").Logger(),
	}, nil
}

func (c *Client) AcceptNextSession(ctx context.Context) (Receiver, error) {
	acceptCtx, cancel := context.WithTimeout(ctx, c.opts.SessionWait)
	defer cancel()

	sr, err := c.sb.AcceptNextSessionForSubscription(acceptCtx, c.opts.TopicName, c.opts.SubscriptionName, nil)
	if err != nil {
		if isNoSession(err) && ctx.Err() == nil {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("accepting next session on %s/%s: %w", c.opts.TopicName, c.opts.SubscriptionName, err)
	}
	return newReceiver(sr, c.opts.ReceiveWait), nil
}

func (c *Client) OpenDeadLetterReceiver(ctx context.Context) (Receiver, error) {
	r, err := c.newDeadLetterReceiver()
	if err != nil {
		return nil, err
	}
	return newReceiver(r, c.opts.ReceiveWait), nil
}

func (c *Client) newDeadLetterReceiver() (*azservicebus.Receiver, error) {
	r, err := c.sb.NewReceiverForSubscription(c.opts.TopicName, c.opts.SubscriptionName, &azservicebus.ReceiverOptions{
		SubQueue: azservicebus.SubQueueDeadLetter,
	})
	if err != nil {
		return nil, fmt.Errorf("opening dead-letter receiver on %s/%s: %w", c.opts.TopicName, c.opts.SubscriptionName, err)
	}
	return r, nil
}

// IsDeadLetterQueueEmpty peeks one message from the start of the dead-letter sub-queue.
func (c *Client) IsDeadLetterQueueEmpty(ctx context.Context) (bool, error) {
	c.peekMu.Lock()
	defer c.peekMu.Unlock()

	if c.peekRecv == nil {
		r, err := c.newDeadLetterReceiver()
		if err != nil {
			return false, err
		}
		c.peekRecv = r
	}
	msgs, err := c.peekRecv.PeekMessages(ctx, 1, &azservicebus.PeekMessagesOptions{
		FromSequenceNumber: to.Ptr(int64(0)),
	})
	if err != nil {
		_ = c.peekRecv.Close(ctx)
		c.peekRecv = nil
		return false, fmt.Errorf("peeking dead-letter sub-queue: %w", err)
	}
	return len(msgs) == 0, nil
}

func (c *Client) Close(ctx context.Context) error {
	c.peekMu.Lock()
	if c.peekRecv != nil {
		if err := c.peekRecv.Close(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close dead-letter peek receiver")
		}
		c.peekRecv = nil
	}
	c.peekMu.Unlock()
	return c.sb.Close(ctx)
}

func isNoSession(err error) bool {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// sdkReceiver is the settlement surface shared by *azservicebus.Receiver and
// *azservicebus.SessionReceiver.
type sdkReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

type receiver struct {
	r    sdkReceiver
	wait time.Duration
}

func newReceiver(r sdkReceiver, wait time.Duration) *receiver {
	return &receiver{r: r, wait: wait}
}

func (r *receiver) Receive(ctx context.Context) (*Message, error) {
	recvCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	msgs, err := r.r.ReceiveMessages(recvCtx, 1, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("receiving message: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return fromReceived(msgs[0]), nil
}

func (r *receiver) Complete(ctx context.Context, msg *Message) error {
	raw, err := rawMessage(msg)
	if err != nil {
		return err
	}
	if err := r.r.CompleteMessage(ctx, raw, nil); err != nil {
		return fmt.Errorf("completing message %s: %w", msg.ID, err)
	}
	return nil
}

func (r *receiver) Abandon(ctx context.Context, msg *Message) error {
	raw, err := rawMessage(msg)
	if err != nil {
		return err
	}
	if err := r.r.AbandonMessage(ctx, raw, nil); err != nil {
		return fmt.Errorf("abandoning message %s: %w", msg.ID, err)
	}
	return nil
}

func (r *receiver) DeadLetter(ctx context.Context, msg *Message, reason, description string) error {
	raw, err := rawMessage(msg)
	if err != nil {
		return err
	}
	if err := r.r.DeadLetterMessage(ctx, raw, &azservicebus.DeadLetterOptions{
		Reason:           to.Ptr(reason),
		ErrorDescription: to.Ptr(description),
	}); err != nil {
		return fmt.Errorf("dead-lettering message %s: %w", msg.ID, err)
	}
	return nil
}

func (r *receiver) Close(ctx context.Context) error {
	return r.r.Close(ctx)
}

func rawMessage(msg *Message) (*azservicebus.ReceivedMessage, error) {
	raw, ok := msg.raw.(*azservicebus.ReceivedMessage)
	if !ok || raw == nil {
		return nil, fmt.Errorf("message %s was not received from service bus", msg.ID)
	}
	return raw, nil
}

func fromReceived(m *azservicebus.ReceivedMessage) *Message {
	msg := &Message{
		ID:            m.MessageID,
		Body:          m.Body,
		DeliveryCount: int(m.DeliveryCount),
		Properties:    m.ApplicationProperties,
		raw:           m,
	}
	if m.SessionID != nil {
		msg.SessionID = *m.SessionID
	}
	if m.EnqueuedTime != nil {
		msg.EnqueuedTime = *m.EnqueuedTime
	}
	return msg
}
