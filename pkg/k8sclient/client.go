// Package k8sclient adapts k8s.io/client-go's dynamic client onto the
// kreactor.WatchSource and kreactor.PatchClient interfaces.
package k8sclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/jordigilh/kreactor/pkg/kreactor"
)

// Client implements kreactor.WatchSource and kreactor.PatchClient over a
// dynamic.Interface, wrapping Patch in a circuit breaker so a degraded
// API server trips open rather than let every object's worker pile up
// retries against it simultaneously.
type Client struct {
	dynamic dynamic.Interface
	breaker *gobreaker.CircuitBreaker
}

// New constructs a Client. breakerName identifies the circuit breaker in
// logs/metrics when multiple Clients share a process (e.g. one per
// cluster in a multi-cluster operator, though federation itself is out
// of scope here).
func New(dyn dynamic.Interface, breakerName string) *Client {
	return &Client{
		dynamic: dyn,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func gvr(resource kreactor.Resource) schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: resource.Group, Version: resource.Version, Resource: resource.Plural}
}

func (c *Client) resourceInterface(resource kreactor.Resource, namespace string) dynamic.ResourceInterface {
	r := c.dynamic.Resource(gvr(resource))
	if namespace == "" {
		return r
	}
	return r.Namespace(namespace)
}

// Watch starts a client-go dynamic watch over resource, translating
// apimachinery watch.Event into kreactor.WatchEvent. Objects delivered
// before the watch's initial-list bookmark closes are marked Initial, so
// the cause detector can classify them as RESUME rather than NOOP/UPDATE.
func (c *Client) Watch(ctx context.Context, resource kreactor.Resource, namespace string) (<-chan kreactor.WatchEvent, error) {
	w, err := c.resourceInterface(resource, namespace).Watch(ctx, metav1.ListOptions{
		AllowWatchBookmarks: true,
	})
	if err != nil {
		return nil, fmt.Errorf("watching %s: %w", resource, err)
	}

	out := make(chan kreactor.WatchEvent)
	go func() {
		defer close(out)
		defer w.Stop()

		initial := true
		for {
			select {
			case event, ok := <-w.ResultChan():
				if !ok {
					return
				}
				if event.Type == watch.Bookmark {
					initial = false
					continue
				}
				obj, ok := event.Object.(interface{ UnstructuredContent() map[string]interface{} })
				if !ok {
					continue
				}
				select {
				case out <- kreactor.WatchEvent{
					Type:    event.Type,
					Object:  kreactor.NewBody(obj.UnstructuredContent()),
					Initial: initial,
				}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Patch applies patch as a JSON merge patch via the dynamic client. A 404
// is swallowed: object-gone is not an error, the next watch delivery
// naturally yields Gone.
func (c *Client) Patch(ctx context.Context, resource kreactor.Resource, body kreactor.Body, patch kreactor.Patch) error {
	if patch.IsEmpty() {
		return nil
	}

	data, err := json.Marshal(patch.Content)
	if err != nil {
		return fmt.Errorf("encoding patch: %w", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return c.resourceInterface(resource, body.Namespace()).Patch(
			ctx,
			body.Name(),
			types.MergePatchType,
			data,
			metav1.PatchOptions{},
		)
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
