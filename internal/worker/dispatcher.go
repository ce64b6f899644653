package worker

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/broker"
	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// Action is the broker settlement chosen for one delivery attempt.
type Action int

const (
	ActionComplete Action = iota
	ActionAbandon
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionAbandon:
		return "abandon"
	case ActionDeadLetter:
		return "dead-letter"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Classification labels an outcome in logs and metrics.
type Classification string

const (
	ClassSuccess              Classification = "success"
	ClassDeserializationError Classification = "deserialization-error"
	ClassTransientRetry       Classification = "transient-retry"
	ClassDeadLettered         Classification = "dead-lettered"
)

// Outcome is the settlement decision for one message. Reason and
// Description are set for dead-letters only.
type Outcome struct {
	Action         Action
	Reason         string
	Description    string
	Classification Classification
	Err            error
}

// Registrar persists one decoded notification. *service.NotificationService
// implements it by opening a fresh store scope per call.
type Registrar interface {
	Register(ctx context.Context, n *domain.Notification) error
}

// Dispatcher turns one delivered message into exactly one Outcome. Decode
// and persistence errors never escape it.
type Dispatcher struct {
	registrar        Registrar
	maxDeliveryCount int
	logger           *zap.Logger
}

func NewDispatcher(registrar Registrar, maxDeliveryCount int, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registrar: registrar, maxDeliveryCount: maxDeliveryCount, logger: logger}
}

func (d *Dispatcher) Handle(ctx context.Context, msg *broker.Message) Outcome {
	log := d.logger.With(
		zap.String("message_id", msg.MessageID),
		zap.Int("delivery_count", msg.DeliveryCount),
	)

	var outcome Outcome
	n, err := domain.DecodeNotification(msg.Body)
	if err != nil {
		outcome = deserializationFailure(err)
	} else {
		log = log.With(zap.String("notification_id", n.ID), zap.String("user_id", n.UserID))
		outcome = decide(d.registrar.Register(ctx, n), msg.DeliveryCount, d.maxDeliveryCount)
	}

	fields := []zap.Field{
		zap.String("classification", string(outcome.Classification)),
		zap.Stringer("action", outcome.Action),
	}
	switch outcome.Classification {
	case ClassSuccess:
		log.Info("message processed", fields...)
	case ClassTransientRetry:
		log.Warn("persist failed, message abandoned for redelivery", append(fields, zap.Error(outcome.Err))...)
	default:
		log.Error("message dead-lettered", append(fields,
			zap.String("reason", outcome.Reason),
			zap.Error(outcome.Err),
		)...)
	}
	return outcome
}

func deserializationFailure(err error) Outcome {
	return Outcome{
		Action:         ActionDeadLetter,
		Reason:         broker.ReasonDeserialization,
		Description:    err.Error(),
		Classification: ClassDeserializationError,
		Err:            err,
	}
}

// decide is the retry policy: success completes, a persistence failure is
// abandoned until deliveryCount reaches maxDeliveryCount and dead-lettered
// from then on. A validation failure cannot be fixed by retrying and is
// treated like a malformed body.
func decide(err error, deliveryCount, maxDeliveryCount int) Outcome {
	switch {
	case err == nil:
		return Outcome{Action: ActionComplete, Classification: ClassSuccess}
	case errors.Is(err, domain.ErrInvalidArgument):
		return deserializationFailure(err)
	case deliveryCount >= maxDeliveryCount:
		return Outcome{
			Action:         ActionDeadLetter,
			Reason:         broker.ReasonMaxDeliveryCount,
			Description:    fmt.Sprintf("Message failed after %d attempts: %s", deliveryCount, err.Error()),
			Classification: ClassDeadLettered,
			Err:            err,
		}
	default:
		return Outcome{Action: ActionAbandon, Classification: ClassTransientRetry, Err: err}
	}
}
