package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

type SchedulerSettings struct {
	TickInterval time.Duration
	// pending payments older than this are considered lost and failed
	StalePaymentWindow time.Duration
	// active subscriptions due more than this long ago are considered
	// abandoned and failed
	OverdueGraceWindow time.Duration
	// consecutive failed attempts before a subscription is cancelled
	FailureLimit int
	// bound on the best-effort remote close, so an unresponsive service
	// cannot stall the tick
	RemoteCloseTimeout time.Duration
}

func DefaultSchedulerSettings() *SchedulerSettings {
	return &SchedulerSettings{
		TickInterval:       60 * time.Second,
		StalePaymentWindow: 1 * time.Hour,
		OverdueGraceWindow: 24 * time.Hour,
		FailureLimit:       3,
		RemoteCloseTimeout: 15 * time.Second,
	}
}

type SubscriptionCancelFunction func(subscription *Subscription, reason string)

// BillingScheduler turns recurrence descriptors into payment attempts. It is
// just another caller of the Client; it does not bypass correlation. One
// subscription's error never aborts the tick for the others.
type BillingScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *Client
	store    *Store
	settings *SchedulerSettings

	cancelCallbacks *CallbackList[SubscriptionCancelFunction]
}

func NewBillingSchedulerWithDefaults(ctx context.Context, client *Client, store *Store) *BillingScheduler {
	return NewBillingScheduler(ctx, client, store, DefaultSchedulerSettings())
}

func NewBillingScheduler(ctx context.Context, client *Client, store *Store, settings *SchedulerSettings) *BillingScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	scheduler := &BillingScheduler{
		ctx:             cancelCtx,
		cancel:          cancel,
		client:          client,
		store:           store,
		settings:        settings,
		cancelCallbacks: NewCallbackList[SubscriptionCancelFunction](),
	}
	go scheduler.run()
	return scheduler
}

// returns a function to remove the listener
func (self *BillingScheduler) AddCancelListener(callback SubscriptionCancelFunction) func() {
	return self.cancelCallbacks.Add(callback)
}

func (self *BillingScheduler) run() {
	ticker := time.NewTicker(self.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.Tick(time.Now())
		}
	}
}

// Tick runs one billing pass. Exported so that the pass can be driven
// directly; every step is idempotent if re-run.
func (self *BillingScheduler) Tick(now time.Time) {
	if count, err := self.store.MarkStalePendingPayments(now.Add(-self.settings.StalePaymentWindow), now); err != nil {
		glog.Infof("[b]stale payment sweep error = %s\n", err)
	} else if 0 < count {
		glog.Infof("[b]failed %d stale pending payments\n", count)
	}

	// subscriptions past the grace window are failed before the due query so
	// that an abandoned subscription is never billed on catch-up
	if count, err := self.store.MarkOverdueSubscriptions(now.Add(-self.settings.OverdueGraceWindow), now); err != nil {
		glog.Infof("[b]overdue sweep error = %s\n", err)
	} else if 0 < count {
		glog.Infof("[b]failed %d overdue subscriptions\n", count)
	}

	due, err := self.store.ListDueSubscriptions(now)
	if err != nil {
		glog.Infof("[b]due query error = %s\n", err)
	} else {
		for _, subscription := range due {
			if err := self.billSubscription(now, subscription); err != nil {
				glog.Infof("[b]subscription %s error = %s\n", subscription.Id, err)
			}
		}
	}
}

func (self *BillingScheduler) billSubscription(now time.Time, subscription *Subscription) error {
	recent, err := self.store.ListRecentPayments(
		subscription.OwnerKey,
		subscription.RemoteId,
		self.settings.FailureLimit,
	)
	if err != nil {
		return err
	}

	if self.settings.FailureLimit <= len(recent) && allFailed(recent) {
		reason := fmt.Sprintf("%d consecutive failed payment attempts", self.settings.FailureLimit)
		return self.cancelSubscription(now, subscription, reason)
	}

	payment := &Payment{
		Id:                   NewId().String(),
		OwnerKey:             subscription.OwnerKey,
		RemoteSubscriptionId: subscription.RemoteId,
		Amount:               subscription.Amount,
		Currency:             subscription.Currency,
		Description:          fmt.Sprintf("Subscription cycle (%s)", subscription.Frequency),
		Status:               PaymentPending,
		CreatedAt:            now,
	}
	if err := self.store.CreatePayment(payment); err != nil {
		return err
	}

	subscriptionId := subscription.Id
	paymentId := payment.Id
	frequency := subscription.Frequency

	statusCallback := func(status *WirePaymentStatus) {
		if !status.Terminal() {
			return
		}
		terminalAt := time.Now()
		if status.Status == PaymentStatusPaid {
			if _, err := self.store.UpdatePaymentStatus(paymentId, PaymentCompleted, terminalAt); err != nil {
				glog.Infof("[b]payment %s update error = %s\n", paymentId, err)
				return
			}
			// the next occurrence is computed strictly after the terminal
			// time, not after the previous due time, so downtime does not
			// replay a backlog of cycles
			next := frequency.NextAfter(terminalAt)
			if _, err := self.store.AdvanceSubscriptionSchedule(subscriptionId, terminalAt, next); err != nil {
				glog.Infof("[b]subscription %s advance error = %s\n", subscriptionId, err)
			}
		} else {
			if _, err := self.store.UpdatePaymentStatus(paymentId, PaymentFailed, terminalAt); err != nil {
				glog.Infof("[b]payment %s update error = %s\n", paymentId, err)
			}
		}
	}

	err = self.client.RequestSinglePayment(self.ctx, &SinglePaymentArgs{
		MainKey:        subscription.OwnerKey,
		Description:    payment.Description,
		Amount:         subscription.Amount,
		Currency:       subscription.Currency,
		SubscriptionId: subscription.RemoteId,
		AuthToken:      subscription.AuthToken,
	}, statusCallback)
	if err != nil {
		// the attempt still counts toward the failure streak
		if _, updateErr := self.store.UpdatePaymentStatus(paymentId, PaymentFailed, time.Now()); updateErr != nil {
			glog.Infof("[b]payment %s update error = %s\n", paymentId, updateErr)
		}
		return err
	}
	return nil
}

func (self *BillingScheduler) cancelSubscription(now time.Time, subscription *Subscription, reason string) error {
	changed, err := self.store.UpdateSubscriptionStatus(subscription.Id, SubscriptionCancelled, nil, now)
	if err != nil {
		return err
	}
	if !changed {
		// already terminal
		return nil
	}

	// best effort. A failed or slow remote close does not reverse the local
	// cancellation.
	closeCtx, closeCancel := context.WithTimeout(self.ctx, self.settings.RemoteCloseTimeout)
	defer closeCancel()
	if _, err := self.client.CloseRecurringPayment(closeCtx, subscription.OwnerKey, subscription.RemoteId); err != nil {
		glog.Infof("[b]remote close %s error = %s\n", subscription.RemoteId, err)
	}

	self.notifyCancelled(subscription, reason)
	return nil
}

// ListenRemoteCloses reconciles the store whenever the remote party cancels
// a subscription unilaterally. Rows are matched by remote id and owner key,
// never by local id alone.
func (self *BillingScheduler) ListenRemoteCloses(ctx context.Context) (func(), error) {
	return self.client.ListenClosedRecurringPayment(ctx, func(event *ClosedSubscription) {
		subscription, err := self.store.GetSubscriptionByRemoteId(event.MainKey, event.SubscriptionId)
		if err != nil {
			glog.Infof("[b]remote close lookup error = %s\n", err)
			return
		}
		if subscription == nil {
			glog.V(2).Infof("[b]drop remote close for unknown subscription %s\n", event.SubscriptionId)
			return
		}
		changed, err := self.store.UpdateSubscriptionStatus(subscription.Id, SubscriptionCancelled, nil, time.Now())
		if err != nil {
			glog.Infof("[b]remote close update error = %s\n", err)
			return
		}
		if changed {
			reason := event.Reason
			if reason == "" {
				reason = "closed by remote party"
			}
			self.notifyCancelled(subscription, reason)
		}
	})
}

// ActivateSubscription persists a remotely confirmed negotiation using the
// authorized terms, which may differ from the requested ones.
func (self *BillingScheduler) ActivateSubscription(ownerKey string, result *RecurringPaymentResult) (*Subscription, error) {
	if !result.Confirmed() {
		return nil, fmt.Errorf("subscription not confirmed: %s", result.Reason)
	}
	if result.AuthorizedRecurrence == nil {
		return nil, fmt.Errorf("confirmed subscription %s has no authorized recurrence", result.SubscriptionId)
	}

	subscription := &Subscription{
		Id:            NewId().String(),
		OwnerKey:      ownerKey,
		RemoteId:      result.SubscriptionId,
		Amount:        result.AuthorizedAmount,
		Currency:      result.AuthorizedCurrency,
		Frequency:     result.AuthorizedRecurrence.Calendar,
		Status:        SubscriptionActive,
		NextPaymentAt: time.Unix(result.AuthorizedRecurrence.FirstPaymentDue, 0).UTC(),
	}
	if err := self.store.CreateSubscription(subscription); err != nil {
		return nil, err
	}
	return subscription, nil
}

func (self *BillingScheduler) notifyCancelled(subscription *Subscription, reason string) {
	for _, callback := range self.cancelCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[b]cancel listener panic = %v\n", r)
				}
			}()
			callback(subscription, reason)
		}()
	}
}

func (self *BillingScheduler) Close() {
	self.cancel()
}

func allFailed(payments []*Payment) bool {
	for _, payment := range payments {
		if payment.Status != PaymentFailed {
			return false
		}
	}
	return true
}
