/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package events feeds KV cache events published by workers into the router.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/kv-router/pkg/kv-router/common"
)

// CacheEventHandler applies a cache event. *router.Router implements it.
type CacheEventHandler interface {
	OnCacheEvent(ctx context.Context, ev common.CacheEvent) error
}

// Subscriber listens on redis pub/sub channels. A message carries either one
// JSON encoded CacheEvent or a JSON array of them.
type Subscriber struct {
	client   redis.UniversalClient
	channels []string
	handler  CacheEventHandler
}

func NewSubscriber(client redis.UniversalClient, channels []string, handler CacheEventHandler) *Subscriber {
	return &Subscriber{
		client:   client,
		channels: channels,
		handler:  handler,
	}
}

// Run subscribes and applies events until ctx is done. It returns an error
// only when the subscription cannot be established.
func (s *Subscriber) Run(ctx context.Context) error {
	if len(s.channels) == 0 {
		return errors.New("no channels to subscribe to")
	}

	pubsub := s.client.Subscribe(ctx, s.channels...)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", s.channels, err)
	}
	klog.Infof("Subscribed to KV cache events on %v", s.channels)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg)
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, msg *redis.Message) {
	evs, err := Decode([]byte(msg.Payload))
	if err != nil {
		klog.Errorf("Dropping malformed cache event on %s: %v", msg.Channel, err)
		return
	}
	for _, ev := range evs {
		if err := s.handler.OnCacheEvent(ctx, ev); err != nil {
			if errors.Is(err, common.ErrUnknownWorker) {
				klog.V(4).Infof("Cache event for unregistered worker %s dropped", ev.WorkerID)
				continue
			}
			klog.Errorf("Failed to apply %s cache event of worker %s: %v", ev.Type, ev.WorkerID, err)
		}
	}
}

// Decode parses a single event or a batch.
func Decode(payload []byte) ([]common.CacheEvent, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if payload[0] == '[' {
		var evs []common.CacheEvent
		if err := json.Unmarshal(payload, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}
	var ev common.CacheEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return []common.CacheEvent{ev}, nil
}

// Publish sends events to channel. Workers written in Go use it, and so do
// tests.
func Publish(ctx context.Context, client redis.UniversalClient, channel string, evs ...common.CacheEvent) error {
	var (
		payload []byte
		err     error
	)
	if len(evs) == 1 {
		payload, err = json.Marshal(evs[0])
	} else {
		payload, err = json.Marshal(evs)
	}
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, payload).Err()
}
