package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"boardgame-notifier/pkg/notifier"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// SubscriptionStore lists and prunes browser push endpoints.
type SubscriptionStore interface {
	PushSubscriptions(ctx context.Context) ([]*notifier.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// VAPID holds the application server keys used to sign push requests.
type VAPID struct {
	PublicKey  string
	PrivateKey string
	Subscriber string // mailto: contact or https URL
}

// WebPush delivers alerts to every stored browser subscription.
type WebPush struct {
	store  SubscriptionStore
	client webpush.HTTPClient
	logger *slog.Logger
	vapid  VAPID
	ttl    int
}

// NewWebPush creates a Web Push channel.
func NewWebPush(store SubscriptionStore, vapid VAPID, logger *slog.Logger) *WebPush {
	return &WebPush{
		store:  store,
		client: http.DefaultClient,
		logger: logger,
		vapid:  vapid,
		ttl:    24 * 60 * 60,
	}
}

// Name implements Channel.
func (*WebPush) Name() string { return "webpush" }

type pushMessage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// Send implements Channel. It succeeds when at least one subscription accepts the
// message. Subscriptions the push service reports as gone are deleted.
func (w *WebPush) Send(ctx context.Context, p *notifier.Payload) error {
	if w.vapid.PublicKey == "" || w.vapid.PrivateKey == "" {
		return fmt.Errorf("webpush: %w", ErrNotConfigured)
	}
	subs, err := w.store.PushSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return errors.New("webpush: no subscriptions")
	}

	msg, err := json.Marshal(pushMessage{
		Title: p.Kind.Emoji() + " " + p.Title,
		Body:  p.Body,
		URL:   p.URL,
		Kind:  string(p.Kind),
	})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	delivered := 0
	var errs []error
	for _, sub := range subs {
		status, err := w.push(ctx, msg, sub)
		switch {
		case err != nil:
			errs = append(errs, err)
		case status == http.StatusNotFound || status == http.StatusGone:
			w.logger.Info("Pruning expired push subscription", "endpoint", sub.Endpoint, "status", status)
			if err := w.store.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
				w.logger.Warn("Failed to prune push subscription", "endpoint", sub.Endpoint, "error", err)
			}
		case status < 200 || status >= 300:
			errs = append(errs, fmt.Errorf("push to %s: HTTP %d", sub.Endpoint, status))
		default:
			delivered++
		}
	}

	w.logger.Info("Web Push fan-out complete", "subscriptions", len(subs), "delivered", delivered)
	if delivered == 0 {
		if len(errs) == 0 {
			return errors.New("webpush: every subscription has expired")
		}
		return fmt.Errorf("webpush: %w", errors.Join(errs...))
	}
	return nil
}

func (w *WebPush) push(ctx context.Context, msg []byte, sub *notifier.PushSubscription) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, msg, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.vapid.Subscriber,
		VAPIDPublicKey:  w.vapid.PublicKey,
		VAPIDPrivateKey: w.vapid.PrivateKey,
		TTL:             w.ttl,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return 0, fmt.Errorf("push to %s: %w", sub.Endpoint, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			w.logger.Warn("Failed to close push response body", "error", closeErr)
		}
	}()
	return resp.StatusCode, nil
}
