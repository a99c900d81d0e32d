package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sluiceproject/sluice/core"
)

// Callback actions. Downloads are intentionally never notified.
const (
	ActionCreate       = "create"
	ActionCreateFolder = "create_folder"
	ActionUpdate       = "update"
	ActionDelete       = "delete"
	ActionMove         = "move"
	ActionCopy         = "copy"
)

// CallbackSource describes one side of a callback: where something happened
// and what is there now. Metadata is set when the side still exists, Path
// when only the location is known (deletes, move sources).
type CallbackSource struct {
	Resource string
	Provider string
	Metadata map[string]interface{}
	Path     string
}

func (s *CallbackSource) serialize() map[string]interface{} {
	out := map[string]interface{}{
		"nid":      s.Resource,
		"provider": s.Provider,
	}
	if s.Metadata != nil {
		out["metadata"] = s.Metadata
	} else {
		out["path"] = s.Path
	}
	return out
}

// Notifier delivers signed operation callbacks. Deliveries run in their own
// goroutines so responses are not held up; Drain waits for stragglers at
// shutdown.
type Notifier struct {
	signer *Signer
	client *http.Client
	ttl    time.Duration
	log    *logrus.Entry
	wg     sync.WaitGroup
}

// NewNotifier builds a notifier that signs with signer and stamps payloads
// with the given expiry.
func NewNotifier(signer *Signer, ttl time.Duration) *Notifier {
	return &Notifier{
		signer: signer,
		client: &http.Client{Timeout: 30 * time.Second},
		ttl:    ttl,
		log:    logrus.WithField("component", "callback"),
	}
}

// Notify dispatches a callback for a completed operation in the background.
// A missing callback URL disables delivery. Move and copy carry both sides;
// every other action carries only the source.
func (n *Notifier) Notify(action string, auth core.Auth, source, destination *CallbackSource) {
	if auth.CallbackURL == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := n.deliver(ctx, action, auth, source, destination); err != nil {
			n.log.WithError(err).WithField("action", action).Warn("callback delivery failed")
		}
	}()
}

// Drain blocks until all in-flight deliveries finish.
func (n *Notifier) Drain() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, action string, auth core.Auth, source, destination *CallbackSource) error {
	payload := map[string]interface{}{
		"id":     uuid.NewString(),
		"action": action,
		"auth":   auth,
		"errors": []string{},
	}
	if destination != nil {
		payload["source"] = source.serialize()
		payload["destination"] = destination.serialize()
	} else {
		payload["provider"] = source.Provider
		payload["metadata"] = source.serialize()
	}

	envelope, err := n.signer.SignData(payload, n.ttl)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "serialize callback envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, auth.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build callback request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send callback")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("callback receiver returned %d", resp.StatusCode)
	}
	return nil
}
