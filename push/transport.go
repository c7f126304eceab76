// Package push delivers a single logical payload to every registered Web Push
// endpoint that a user has, classifying per-endpoint outcomes and reducing
// them into one outcome summary for the caller.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pushpipe/aggregator/model"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Outcome summarizes the per-endpoint results of one logical send.
type Outcome string

// The possible outcomes of sending a payload to a user.
const (
	// OutcomeDisabled means the transport has no VAPID credentials
	// configured. This is a reportable condition, not an error.
	OutcomeDisabled Outcome = "disabled"

	// OutcomeNoSubscriptions means the user has no active endpoints.
	OutcomeNoSubscriptions Outcome = "no-subscriptions"

	// OutcomeSuccess means every attempted endpoint accepted the payload and
	// at least one endpoint was attempted.
	OutcomeSuccess Outcome = "success"

	// OutcomeTransientFailure means at least one endpoint failed in a way
	// that is worth retrying.
	OutcomeTransientFailure Outcome = "transient-failure"

	// OutcomeFatalFailure means every failure was one that a retry cannot
	// fix.
	OutcomeFatalFailure Outcome = "fatal-failure"

	// OutcomeUnrecoverableFailure means no endpoint accepted the payload and
	// none failed transiently, typically because every endpoint was dead.
	OutcomeUnrecoverableFailure Outcome = "unrecoverable-failure"
)

// Result is the reduced summary of one logical send to a user.
type Result struct {
	Sent    int
	Failed  int
	Revoked int
	Outcome Outcome
}

// Payload is the display content delivered to the user's endpoints.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Type  string `json:"type"`
}

// SubscriptionStore describes the subscription persistence the transport
// needs: listing a user's active endpoints and revoking dead ones.
type SubscriptionStore interface {
	ActiveSubscriptions(ctx context.Context, userID string) ([]*model.PushSubscription, error)
	RevokeSubscription(ctx context.Context, id string) error
}

// Config carries the VAPID signing credentials for the transport. If any
// field is empty the transport is disabled.
type Config struct {
	Subject    string
	PublicKey  string
	PrivateKey string
	TTL        int
	Timeout    time.Duration
}

// defaultTimeout bounds each per-endpoint request when no timeout is
// configured. A timed-out request is classified as transient.
const defaultTimeout = 10 * time.Second

// sendFunc performs a single Web Push request. It is replaceable for testing.
type sendFunc func(ctx context.Context, message []byte, subscription *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Transport sends payloads to users' registered Web Push endpoints.
type Transport struct {
	config Config
	store  SubscriptionStore
	log    *logrus.Entry
	send   sendFunc
}

// NewTransport creates a new Web Push transport.
func NewTransport(config Config, store SubscriptionStore) *Transport {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	return &Transport{
		config: config,
		store:  store,
		log:    logrus.WithField("component", "push-transport"),
		send:   webpush.SendNotificationWithContext,
	}
}

// Enabled reports whether the transport has a complete set of VAPID
// credentials.
func (t *Transport) Enabled() bool {
	return t.config.Subject != "" && t.config.PublicKey != "" && t.config.PrivateKey != ""
}

// endpointResult classifies the outcome of one per-endpoint send.
type endpointResult int

const (
	endpointSent endpointResult = iota
	endpointGone
	endpointTransient
	endpointFatal
)

// SendToUser delivers one logical payload to all of the user's active
// endpoints concurrently. Endpoints reported permanently gone are revoked.
// The returned result reduces the per-endpoint outcomes; per-endpoint errors
// never abort the fan-out.
func (t *Transport) SendToUser(ctx context.Context, userID string, payload Payload) (*Result, error) {
	wrapMsg := "unable to send the push payload"

	// An unconfigured transport is a reportable condition, not an error.
	if !t.Enabled() {
		return &Result{Outcome: OutcomeDisabled}, nil
	}

	// Look up the user's active endpoints.
	subscriptions, err := t.store.ActiveSubscriptions(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	if len(subscriptions) == 0 {
		return &Result{Outcome: OutcomeNoSubscriptions}, nil
	}

	// Marshal the payload once for all endpoints.
	message, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Fan the payload out to every endpoint concurrently.
	results := make([]endpointResult, len(subscriptions))
	var wg sync.WaitGroup
	for i, subscription := range subscriptions {
		wg.Add(1)
		go func(i int, subscription *model.PushSubscription) {
			defer wg.Done()
			results[i] = t.sendToEndpoint(ctx, message, subscription)
		}(i, subscription)
	}
	wg.Wait()

	// Revoke the endpoints that are permanently gone.
	result := &Result{}
	var anyTransient, anyFatal bool
	for i, endpointOutcome := range results {
		switch endpointOutcome {
		case endpointSent:
			result.Sent++
		case endpointGone:
			result.Revoked++
			if err := t.store.RevokeSubscription(ctx, subscriptions[i].ID); err != nil {
				t.log.WithError(err).WithField("subscription", subscriptions[i].ID).
					Warn("unable to revoke a dead push subscription")
			}
		case endpointTransient:
			result.Failed++
			anyTransient = true
		case endpointFatal:
			result.Failed++
			anyFatal = true
		}
	}

	result.Outcome = reduceOutcome(result, anyTransient, anyFatal)
	return result, nil
}

// sendToEndpoint delivers the payload to a single endpoint and classifies the
// result.
func (t *Transport) sendToEndpoint(ctx context.Context, message []byte, subscription *model.PushSubscription) endpointResult {
	sendCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	resp, err := t.send(sendCtx, message, &webpush.Subscription{
		Endpoint: subscription.Endpoint,
		Keys: webpush.Keys{
			P256dh: subscription.P256dh,
			Auth:   subscription.Auth,
		},
	}, &webpush.Options{
		Subscriber:      t.config.Subject,
		VAPIDPublicKey:  t.config.PublicKey,
		VAPIDPrivateKey: t.config.PrivateKey,
		TTL:             t.config.TTL,
	})
	if err != nil {
		if isTransientNetworkError(err) {
			t.log.WithError(err).WithField("subscription", subscription.ID).
				Debug("transient network error during push delivery")
			return endpointTransient
		}
		t.log.WithError(err).WithField("subscription", subscription.ID).
			Warn("push delivery failed")
		return endpointFatal
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}

// classifyStatus maps a push service response status to an endpoint result.
// 404 and 410 mean the endpoint will never accept another message.
func classifyStatus(status int) endpointResult {
	switch {
	case status >= 200 && status < 300:
		return endpointSent
	case status == http.StatusNotFound || status == http.StatusGone:
		return endpointGone
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return endpointTransient
	default:
		return endpointFatal
	}
}

// reduceOutcome reduces per-endpoint results into one outcome. Transient
// classification wins over fatal whenever any transient signal exists,
// because retrying a batch that also had fatal endpoints is harmless.
func reduceOutcome(result *Result, anyTransient, anyFatal bool) Outcome {
	switch {
	case result.Failed == 0 && result.Sent > 0:
		return OutcomeSuccess
	case result.Sent == 0 && result.Failed == 0 && result.Revoked > 0:
		return OutcomeUnrecoverableFailure
	case anyTransient:
		return OutcomeTransientFailure
	case anyFatal && !anyTransient:
		return OutcomeFatalFailure
	default:
		return OutcomeUnrecoverableFailure
	}
}
