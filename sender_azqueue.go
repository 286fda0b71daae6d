package dempsy

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

func init() {
	RegisterSenderFactory("azqueue", newAzureQueueSender)
}

// maxQueueTextMessageSize is the maximum raw data size a single Azure Queue
// message can hold base64-encoded (64 KB wire limit).
const maxQueueTextMessageSize = 64 * 1024 / 4 * 3 // 48 KiB raw encodes to 64 KiB of base64

// AzureQueueSender is an alternative Sender for NodeAddress values whose
// Scheme is "azqueue": instead of opening a raw TCP connection, it pushes
// framed, base64-encoded messages into a managed Azure Storage Queue named
// after the destination node. Useful when a deployment would rather have
// the cloud provider absorb delivery buffering/retries for a given node
// than hold a long-lived TCP connection open to it.
type AzureQueueSender struct {
	client *azqueue.QueueClient
	cfg    *Config

	mu       sync.Mutex
	stopped  bool
}

func newAzureQueueSender(ctx context.Context, addr NodeAddress, _ Serializer, cfg *Config) (Sender, error) {
	cred, err := azqueue.NewSharedKeyCredential(addr.Host, addr.Guid)
	if err != nil {
		return nil, fmt.Errorf("dempsy: azqueue credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.queue.core.windows.net", addr.Host)
	svc, err := azqueue.NewServiceClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("dempsy: azqueue service client: %w", err)
	}
	queueName := fmt.Sprintf("node-%s", addr.Guid)
	client := svc.NewQueueClient(queueName)
	if _, err := client.Create(ctx, nil); err != nil {
		// Create errors are ignored, QueueAlreadyExists included; a queue
		// that cannot be used surfaces later as an EnqueueMessage failure
		// in Send. We don't import queueerror here to keep this optional path's
		// dependency surface minimal; callers that care can pre-create
		// the queue out of band.
	}
	return &AzureQueueSender{client: client, cfg: cfg}, nil
}

func (s *AzureQueueSender) Send(msg RoutedMessage) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrShutdownInProgress
	}

	var buf bytes.Buffer
	payload, err := NewGobSerializer().Serialize(msg)
	if err != nil {
		return err
	}
	if err := EncodeFrame(&buf, payload); err != nil {
		return err
	}
	if buf.Len() > maxQueueTextMessageSize {
		return fmt.Errorf("dempsy: message too large for azqueue transport (%d bytes)", buf.Len())
	}

	ctx := context.Background()
	_, err = s.client.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(buf.Bytes()), nil)
	if err != nil {
		s.cfg.stats.SenderReconnect()
		return ErrSenderUnavailable
	}
	return nil
}

func (s *AzureQueueSender) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
