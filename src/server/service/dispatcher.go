package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/commercecms/notify/src/server/metrics"
	"github.com/commercecms/notify/src/server/model"
)

// Delivery channel names as reported in DispatchResult
const (
	ChannelPush  = "push"
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// ChannelStatus tags the outcome of one delivery channel
type ChannelStatus string

const (
	StatusDelivered        ChannelStatus = "delivered"
	StatusFailed           ChannelStatus = "failed"
	StatusSkipped          ChannelStatus = "skipped"
	StatusSkippedDisabled  ChannelStatus = "skipped_disabled"
	StatusSkippedNoContact ChannelStatus = "skipped_no_contact"
)

// ChannelOutcome is the per-channel result of a dispatch
type ChannelOutcome struct {
	Channel string        `json:"channel"`
	Status  ChannelStatus `json:"status"`
	Detail  string        `json:"detail,omitempty"`
}

// DispatchResult reports what happened to a single notification send:
// the persisted record id, how many live connections the push reached,
// and one outcome per channel. Channel failures never fail the whole
// call; they show up here instead.
type DispatchResult struct {
	RecordID int64            `json:"record_id"`
	Reached  int              `json:"reached"`
	Outcomes []ChannelOutcome `json:"outcomes"`
	Warnings []string         `json:"warnings,omitempty"`
}

// NotificationStore persists notification records
type NotificationStore interface {
	Insert(ctx context.Context, n *model.Notification) (int64, error)
}

// PreferenceLookup resolves a user's delivery-channel preferences
type PreferenceLookup interface {
	GetPreferences(ctx context.Context, userID string) (*model.DeliveryPreferences, error)
}

// ConnectionLister snapshots a user's live connections and resolves
// which user owns a connection
type ConnectionLister interface {
	Connections(userID string) []string
	Owner(connID string) (string, bool)
}

// PushTransport delivers payloads to live connections
type PushTransport interface {
	Push(ctx context.Context, connID string, payload *PushPayload) error
	PushToGroup(group string, payload *PushPayload) int
}

// EmailSender is the email collaborator contract. Its implementation is
// outside the delivery core.
type EmailSender interface {
	Send(subject, recipient, displayName, body string) error
}

// SMSSender is the SMS collaborator contract
type SMSSender interface {
	Send(subject, recipient, body string) error
}

// Dispatcher orchestrates a notification send across all delivery
// channels: persist first, then best-effort fan-out per user preference.
type Dispatcher struct {
	store     NotificationStore
	prefs     PreferenceLookup
	registry  ConnectionLister
	transport PushTransport
	email     EmailSender // nil when no email transport is configured
	sms       SMSSender   // nil when no SMS transport is configured
	timeout   time.Duration
}

// DispatcherConfig bundles the dispatcher's injected collaborators
type DispatcherConfig struct {
	Store     NotificationStore
	Prefs     PreferenceLookup
	Registry  ConnectionLister
	Transport PushTransport
	Email     EmailSender
	SMS       SMSSender
	// Timeout bounds every collaborator call (store insert, preference
	// lookup, each push, email/SMS send). Defaults to 10s.
	Timeout time.Duration
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:     cfg.Store,
		prefs:     cfg.Prefs,
		registry:  cfg.Registry,
		transport: cfg.Transport,
		email:     cfg.Email,
		sms:       cfg.SMS,
		timeout:   timeout,
	}
}

// Send persists the notification and fans it out to every live connection
// of the target user, then to the email/SMS channels per preference.
//
// Only a persistence failure fails the call: without the durable record
// nothing can be guaranteed, so the error is surfaced for the business
// event to retry. Everything after that is best-effort and reported in
// the DispatchResult.
func (d *Dispatcher) Send(ctx context.Context, userID, subject, content, url, imageURL string) (*DispatchResult, error) {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	record := &model.Notification{
		UserID:   userID,
		Subject:  subject,
		Content:  content,
		URL:      url,
		ImageURL: imageURL,
	}
	recordID, err := d.persist(ctx, record)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{RecordID: recordID}
	prefs, ok := d.resolvePreferences(ctx, userID, result)
	if !ok {
		return result, nil
	}

	payload := &PushPayload{UserID: userID, Subject: subject, Content: content, URL: url, ImageURL: imageURL}
	d.deliverPush(ctx, result, prefs, payload)
	d.deliverEmail(result, prefs, subject, content)
	d.deliverSMS(result, prefs, subject, content)
	return result, nil
}

// SendToConnection is the targeted self-reply variant: the same
// persistence and preference pipeline, but push delivery restricted to
// the connection that originated the request. A push failure here is
// recorded and otherwise ignored.
func (d *Dispatcher) SendToConnection(ctx context.Context, connID, userID, subject, content, url, imageURL string) (*DispatchResult, error) {
	record := &model.Notification{
		UserID:   userID,
		Subject:  subject,
		Content:  content,
		URL:      url,
		ImageURL: imageURL,
	}
	recordID, err := d.persist(ctx, record)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{RecordID: recordID}
	prefs, ok := d.resolvePreferences(ctx, userID, result)
	if !ok {
		return result, nil
	}

	switch {
	case !prefs.PushEnabled:
		d.addOutcome(result, ChannelPush, StatusSkippedDisabled, "")
	case !d.ownsConnection(userID, connID):
		// Stale or mismatched connection id: never push one user's
		// notification onto another user's connection.
		d.addOutcome(result, ChannelPush, StatusFailed,
			fmt.Sprintf("connection %s is not registered to user %s", connID, userID))
	default:
		payload := &PushPayload{UserID: userID, Subject: subject, Content: content, URL: url, ImageURL: imageURL}
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.transport.Push(pctx, connID, payload)
		cancel()
		if err != nil {
			d.addOutcome(result, ChannelPush, StatusFailed, err.Error())
		} else {
			result.Reached = 1
			d.addOutcome(result, ChannelPush, StatusDelivered, "")
		}
	}

	d.deliverEmail(result, prefs, subject, content)
	d.deliverSMS(result, prefs, subject, content)
	return result, nil
}

// Broadcast pushes a payload to every subscriber of a named distribution
// group. A group has no single target user, so the persistence and
// preference pipeline is skipped and delivery is push-only.
func (d *Dispatcher) Broadcast(ctx context.Context, group, subject, content, url, imageURL string) (*DispatchResult, error) {
	payload := &PushPayload{Subject: subject, Content: content, URL: url, ImageURL: imageURL}
	reached := d.transport.PushToGroup(group, payload)

	result := &DispatchResult{Reached: reached}
	if reached > 0 {
		d.addOutcome(result, ChannelPush, StatusDelivered, fmt.Sprintf("group %s: %d connections", group, reached))
	} else {
		d.addOutcome(result, ChannelPush, StatusSkipped, fmt.Sprintf("group %s has no subscribers", group))
	}
	return result, nil
}

func (d *Dispatcher) ownsConnection(userID, connID string) bool {
	owner, ok := d.registry.Owner(connID)
	return ok && owner == userID
}

func (d *Dispatcher) persist(ctx context.Context, record *model.Notification) (int64, error) {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, err := d.store.Insert(sctx, record)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("store", string(StatusFailed)).Inc()
		return 0, fmt.Errorf("persist notification: %w", err)
	}
	return id, nil
}

// resolvePreferences looks up the target user's preferences. A missing
// user or lookup failure downgrades to "skip delivery, keep record": the
// call still succeeds with the channels marked skipped.
func (d *Dispatcher) resolvePreferences(ctx context.Context, userID string, result *DispatchResult) (*model.DeliveryPreferences, bool) {
	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	prefs, err := d.prefs.GetPreferences(pctx, userID)
	if err == nil {
		return prefs, true
	}

	detail := "preference lookup failed"
	if errors.Is(err, model.ErrUserNotFound) {
		detail = "user not found"
	} else {
		log.Printf("Preference lookup failed for user %s: %v", userID, err)
	}
	result.Warnings = append(result.Warnings, fmt.Sprintf("%s for user %s, delivery skipped", detail, userID))
	d.addOutcome(result, ChannelPush, StatusSkipped, detail)
	d.addOutcome(result, ChannelEmail, StatusSkipped, detail)
	d.addOutcome(result, ChannelSMS, StatusSkipped, detail)
	return nil, false
}

// deliverPush snapshots the user's live connections and pushes to each
// concurrently, outside any registry lock. A failed or timed-out push to
// one connection never aborts delivery to the rest.
func (d *Dispatcher) deliverPush(ctx context.Context, result *DispatchResult, prefs *model.DeliveryPreferences, payload *PushPayload) {
	if !prefs.PushEnabled {
		d.addOutcome(result, ChannelPush, StatusSkippedDisabled, "")
		return
	}

	conns := d.registry.Connections(payload.UserID)
	if len(conns) == 0 {
		// Offline delivery is a normal outcome: the record is persisted.
		d.addOutcome(result, ChannelPush, StatusSkipped, "no live connections")
		return
	}

	var mu sync.Mutex
	reached := 0
	var failures []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, connID := range conns {
		connID := connID
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, d.timeout)
			defer cancel()

			err := d.transport.Push(pctx, connID, payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// The connection may simply have closed between the
				// snapshot and the send; report it as unreachable.
				failures = append(failures, fmt.Sprintf("%s: %v", connID, err))
			} else {
				reached++
			}
			return nil
		})
	}
	g.Wait()

	result.Reached = reached
	switch {
	case len(failures) == 0:
		d.addOutcome(result, ChannelPush, StatusDelivered, "")
	case reached > 0:
		d.addOutcome(result, ChannelPush, StatusDelivered,
			fmt.Sprintf("reached %d of %d connections", reached, len(conns)))
		result.Warnings = append(result.Warnings, failures...)
	default:
		d.addOutcome(result, ChannelPush, StatusFailed,
			fmt.Sprintf("all %d connections unreachable", len(conns)))
		result.Warnings = append(result.Warnings, failures...)
	}
}

func (d *Dispatcher) deliverEmail(result *DispatchResult, prefs *model.DeliveryPreferences, subject, content string) {
	if !prefs.EmailEnabled {
		d.addOutcome(result, ChannelEmail, StatusSkippedDisabled, "")
		return
	}
	if d.email == nil {
		d.addOutcome(result, ChannelEmail, StatusSkipped, "no email transport configured")
		return
	}
	if prefs.Email == "" {
		d.addOutcome(result, ChannelEmail, StatusSkippedNoContact, "")
		return
	}

	err := d.callWithTimeout(func() error {
		return d.email.Send(subject, prefs.Email, prefs.DisplayName, content)
	})
	if err != nil {
		log.Printf("Email delivery to %s failed: %v", prefs.Email, err)
		d.addOutcome(result, ChannelEmail, StatusFailed, err.Error())
		return
	}
	d.addOutcome(result, ChannelEmail, StatusDelivered, "")
}

func (d *Dispatcher) deliverSMS(result *DispatchResult, prefs *model.DeliveryPreferences, subject, content string) {
	if !prefs.SMSEnabled {
		d.addOutcome(result, ChannelSMS, StatusSkippedDisabled, "")
		return
	}
	if d.sms == nil {
		d.addOutcome(result, ChannelSMS, StatusSkipped, "no SMS transport configured")
		return
	}

	err := d.callWithTimeout(func() error {
		return d.sms.Send(subject, prefs.UserID, content)
	})
	if err != nil {
		log.Printf("SMS delivery for user %s failed: %v", prefs.UserID, err)
		d.addOutcome(result, ChannelSMS, StatusFailed, err.Error())
		return
	}
	d.addOutcome(result, ChannelSMS, StatusDelivered, "")
}

// callWithTimeout bounds a synchronous collaborator call. The collaborator
// goroutine is left to finish on its own if it overruns; the dispatch
// just stops waiting and reports the channel as failed.
func (d *Dispatcher) callWithTimeout(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(d.timeout):
		return fmt.Errorf("timed out after %s", d.timeout)
	}
}

func (d *Dispatcher) addOutcome(result *DispatchResult, channel string, status ChannelStatus, detail string) {
	result.Outcomes = append(result.Outcomes, ChannelOutcome{Channel: channel, Status: status, Detail: detail})
	metrics.DeliveriesTotal.WithLabelValues(channel, string(status)).Inc()
}
