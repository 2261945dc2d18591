// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package broker_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warden-dev/warden/internal/broker"
	"github.com/warden-dev/warden/internal/config"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

func testConfig() config.BrokerConfig {
	return config.BrokerConfig{
		MaxPayloadBytes: 1024,
		HandlerTimeout:  200 * time.Millisecond,
		QueueDepth:      16,
	}
}

func echoHandler(ctx context.Context, msg *broker.Message) (*broker.Response, error) {
	return &broker.Response{Success: true, Payload: msg.Payload}, nil
}

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(testConfig(), nil, nil)
	t.Cleanup(b.Close)
	return b
}

func TestBroker_SendAndReceive(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")
	require.NoError(t, b.SetHandler("com.example.receiver", echoHandler))

	resp, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.sender",
		Recipient: "com.example.receiver",
		Topic:     "ping",
		Payload:   []byte("hello"),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []byte("hello"), resp.Payload)
	assert.NotEmpty(t, resp.MessageID)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestBroker_UnknownRecipient(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")

	_, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.sender",
		Recipient: "com.example.ghost",
	})
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeBrokerUnknownRecipient, wardenerr.CodeOf(err))
	assert.True(t, wardenerr.IsNotFound(err))
}

func TestBroker_UnknownSender(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.receiver")

	_, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.ghost",
		Recipient: "com.example.receiver",
	})
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeBrokerUnknownSender, wardenerr.CodeOf(err))
}

func TestBroker_PayloadTooLarge(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")

	_, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.sender",
		Recipient: "com.example.receiver",
		Payload:   bytes.Repeat([]byte("x"), 1025),
	})
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeBrokerPayloadTooLarge, wardenerr.CodeOf(err))
}

func TestBroker_NoHandlerIsFailedResponse(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")

	resp, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.sender",
		Recipient: "com.example.receiver",
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "no message handler")
}

func TestBroker_HandlerErrorIsFailedResponse(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")
	require.NoError(t, b.SetHandler("com.example.receiver",
		func(ctx context.Context, msg *broker.Message) (*broker.Response, error) {
			return nil, wardenerr.New(wardenerr.CodeSandboxRuntime, "handler exploded")
		}))

	resp, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.sender",
		Recipient: "com.example.receiver",
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "handler exploded")
	assert.Equal(t, uint64(1), b.Stats().HandlerFailures)
}

func TestBroker_HandlerPanicIsFailedResponse(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")
	require.NoError(t, b.SetHandler("com.example.receiver",
		func(ctx context.Context, msg *broker.Message) (*broker.Response, error) {
			panic("boom")
		}))

	resp, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.sender",
		Recipient: "com.example.receiver",
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "panic")
}

func TestBroker_HandlerTimeoutIsFailedResponse(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")
	require.NoError(t, b.SetHandler("com.example.receiver",
		func(ctx context.Context, msg *broker.Message) (*broker.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	resp, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.sender",
		Recipient: "com.example.receiver",
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "timeout")
	assert.Equal(t, uint64(1), b.Stats().HandlerTimeouts)
}

func TestBroker_PerRecipientOrdering(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")

	var mu sync.Mutex
	var got []string
	require.NoError(t, b.SetHandler("com.example.receiver",
		func(ctx context.Context, msg *broker.Message) (*broker.Response, error) {
			mu.Lock()
			got = append(got, msg.Topic)
			mu.Unlock()
			return &broker.Response{Success: true}, nil
		}))

	topics := []string{"a", "b", "c", "d", "e"}
	for _, topic := range topics {
		_, err := b.Send(context.Background(), &broker.Message{
			Sender:    "com.example.sender",
			Recipient: "com.example.receiver",
			Topic:     topic,
		})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, topics, got)
}

func TestBroker_UnregisterFailsPending(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")

	b.Unregister("com.example.receiver")
	assert.False(t, b.Registered("com.example.receiver"))

	_, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.sender",
		Recipient: "com.example.receiver",
	})
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeBrokerUnknownRecipient, wardenerr.CodeOf(err))
}

func TestBroker_ClosedRejectsSends(t *testing.T) {
	b := broker.New(testConfig(), nil, nil)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")
	b.Close()

	_, err := b.Send(context.Background(), &broker.Message{
		Sender:    "com.example.sender",
		Recipient: "com.example.receiver",
	})
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeBrokerClosed, wardenerr.CodeOf(err))
}

func TestBroker_SenderCancellation(t *testing.T) {
	b := newBroker(t)
	b.Register("com.example.sender")
	b.Register("com.example.receiver")

	started := make(chan struct{})
	require.NoError(t, b.SetHandler("com.example.receiver",
		func(ctx context.Context, msg *broker.Message) (*broker.Response, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			return &broker.Response{Success: true}, nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Send(ctx, &broker.Message{
			Sender:    "com.example.sender",
			Recipient: "com.example.receiver",
		})
		errCh <- err
	}()

	<-started
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeBrokerHandlerTimeout, wardenerr.CodeOf(err))
}
