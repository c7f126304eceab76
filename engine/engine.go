// Package engine turns discrete domain events into at most one delivered push
// notification per recipient per time window. Events for immediate-frequency
// users are delivered synchronously; everything else is folded into a
// windowed aggregation job that a scheduled finalizer claims and delivers
// once the window closes.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pushpipe/aggregator/model"
	"github.com/pushpipe/aggregator/policy"
	"github.com/pushpipe/aggregator/push"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Store describes the durable operations the engine performs.
type Store interface {
	GetChannelPreference(ctx context.Context, userID string, channel model.Channel) (model.ChannelPreference, error)
	UpsertPendingJob(ctx context.Context, job *model.AggregationJob) error
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.AggregationJob, error)
	FinalizeJobs(ctx context.Context, now time.Time, sentIDs, cancelledIDs, retryIDs []string) error
	CountUnreadByUserPageInWindow(ctx context.Context, userID, pageID string, windowStart, windowEnd time.Time) (int64, error)
}

// DeliveryPolicy decides whether a delivery should proceed.
type DeliveryPolicy interface {
	ShouldSend(ctx context.Context, req policy.Request) (bool, error)
}

// Transport sends a payload to all of a user's registered endpoints.
type Transport interface {
	SendToUser(ctx context.Context, userID string, payload push.Payload) (*push.Result, error)
}

// Engine is the aggregation and dispatch pipeline.
type Engine struct {
	store     Store
	policy    DeliveryPolicy
	transport Transport
	log       *logrus.Entry
	now       func() time.Time
}

// New creates a new aggregation engine.
func New(store Store, deliveryPolicy DeliveryPolicy, transport Transport) *Engine {
	return &Engine{
		store:     store,
		policy:    deliveryPolicy,
		transport: transport,
		log:       logrus.WithField("component", "aggregation-engine"),
		now:       time.Now,
	}
}

// DispatchOrAggregate handles one domain event for one recipient. Depending
// on the recipient's push preference the event is either delivered
// immediately or folded into the aggregation job for the current window. A
// notification with no associated page has nothing to key a window on and is
// always delivered immediately.
func (e *Engine) DispatchOrAggregate(ctx context.Context, notification *model.Notification, payload model.JobPayload) error {
	wrapMsg := "unable to dispatch or aggregate the notification"

	// Look up the recipient's push preference.
	preference, err := e.store.GetChannelPreference(ctx, notification.UserID, model.ChannelPush)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if !preference.Enabled {
		return nil
	}

	// Deliver immediately when there is no window to fold into.
	if preference.Frequency == model.FrequencyImmediate || notification.PageID == "" {
		return e.dispatchImmediately(ctx, notification, payload)
	}

	// Fold the event into the aggregation job for the current window.
	window := preference.Frequency.Window(e.now())
	job := &model.AggregationJob{
		ID:             uuid.NewString(),
		UserID:         notification.UserID,
		WorkspaceID:    notification.WorkspaceID,
		PageID:         notification.PageID,
		WindowKey:      window.Key,
		IdempotencyKey: model.JobIdempotencyKey(notification.UserID, notification.PageID, window.Key),
		SendAfter:      window.End,
		Status:         model.JobPending,
		EventsCount:    1,
		Payload:        payload,
	}
	err = e.store.UpsertPendingJob(ctx, job)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	return nil
}

// dispatchImmediately delivers one event synchronously, gated by the delivery
// policy. Policy denial is a silent no-op.
func (e *Engine) dispatchImmediately(ctx context.Context, notification *model.Notification, payload model.JobPayload) error {
	wrapMsg := "unable to deliver the notification immediately"

	allowed, err := e.policy.ShouldSend(ctx, policy.Request{
		Channel:        model.ChannelPush,
		UserID:         notification.UserID,
		NotificationID: notification.ID,
		PageID:         notification.PageID,
		ActorID:        notification.ActorID,
		SpaceID:        notification.SpaceID,
	})
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if !allowed {
		return nil
	}

	result, err := e.transport.SendToUser(ctx, notification.UserID, push.Payload{
		Title: payload.Title,
		Body:  payload.Body,
		URL:   payload.URL,
		Type:  payload.Type,
	})
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	e.log.WithFields(logrus.Fields{
		"user":    notification.UserID,
		"outcome": result.Outcome,
		"sent":    result.Sent,
		"failed":  result.Failed,
		"revoked": result.Revoked,
	}).Info("immediate push delivery attempted")

	return nil
}

// ProcessDueJobs claims up to `limit` aggregation jobs whose windows have
// closed and finalizes each one: jobs whose folded notifications have all
// been read are cancelled, jobs with at least one successful endpoint
// delivery are marked sent, and everything else returns to pending for a
// later attempt. One job's failure never blocks the rest of the batch.
func (e *Engine) ProcessDueJobs(ctx context.Context, limit int) error {
	wrapMsg := "unable to process due aggregation jobs"
	now := e.now()

	// Claim the due jobs under the exclusive lock.
	jobs, err := e.store.ClaimDueJobs(ctx, now, limit)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if len(jobs) == 0 {
		return nil
	}

	// Finalize each claimed job.
	var sentIDs, cancelledIDs, retryIDs []string
	for _, job := range jobs {
		switch e.finalizeJob(ctx, job) {
		case jobDelivered:
			sentIDs = append(sentIDs, job.ID)
		case jobCancelled:
			cancelledIDs = append(cancelledIDs, job.ID)
		case jobRetry:
			retryIDs = append(retryIDs, job.ID)
		}
	}

	err = e.store.FinalizeJobs(ctx, now, sentIDs, cancelledIDs, retryIDs)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	e.log.WithFields(logrus.Fields{
		"claimed":   len(jobs),
		"sent":      len(sentIDs),
		"cancelled": len(cancelledIDs),
		"retried":   len(retryIDs),
	}).Info("processed due aggregation jobs")
	return nil
}

// jobDisposition is the finalization decision for one claimed job.
type jobDisposition int

const (
	jobDelivered jobDisposition = iota
	jobCancelled
	jobRetry
)

// finalizeJob decides the fate of one claimed job. Unexpected collaborator
// errors send the job back to pending so the next tick can retry it.
func (e *Engine) finalizeJob(ctx context.Context, job *model.AggregationJob) jobDisposition {
	jobLog := e.log.WithFields(logrus.Fields{
		"job":    job.ID,
		"user":   job.UserID,
		"page":   job.PageID,
		"window": job.WindowKey,
	})

	// Recover the window bounds from the window key.
	window, err := model.ParseWindowKey(job.WindowKey)
	if err != nil {
		jobLog.WithError(err).Error("unable to parse the job's window key")
		return jobRetry
	}

	// The recipient may have caught up since the events were folded.
	unread, err := e.store.CountUnreadByUserPageInWindow(ctx, job.UserID, job.PageID, window.Start, window.End)
	if err != nil {
		jobLog.WithError(err).Error("unable to re-validate the job's unread state")
		return jobRetry
	}
	if unread == 0 {
		jobLog.Info("cancelling aggregation job with no remaining unread notifications")
		return jobCancelled
	}

	// Deliver the roll-up.
	result, err := e.transport.SendToUser(ctx, job.UserID, rollUpPayload(job))
	if err != nil {
		jobLog.WithError(err).Error("unable to deliver the aggregated push notification")
		return jobRetry
	}
	jobLog.WithFields(logrus.Fields{
		"outcome": result.Outcome,
		"sent":    result.Sent,
		"failed":  result.Failed,
		"revoked": result.Revoked,
	}).Info("aggregated push delivery attempted")

	// A partial failure with at least one accepted endpoint still counts as
	// delivered; everything short of that is retried on a later tick.
	if result.Outcome == push.OutcomeSuccess || result.Sent > 0 {
		return jobDelivered
	}
	return jobRetry
}

// rollUpPayload synthesizes the single notification body representing all of
// the events folded into a job. The title and link come from the most
// recently folded event.
func rollUpPayload(job *model.AggregationJob) push.Payload {
	return push.Payload{
		Title: job.Payload.Title,
		Body:  fmt.Sprintf("%d event(s) in this period", job.EventsCount),
		URL:   job.Payload.URL,
		Type:  job.Payload.Type,
	}
}
