package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reconciler sub-steps reported in a Report
const (
	StepResolveUser      = "user.resolve"
	StepUpsert           = "subscription.upsert"
	StepGatewayToken     = "gateway_token.ensure"
	StepClaim            = "provisioning.claim"
	StepIdentity         = "identity.lookup"
	StepProvision        = "media.provision"
	StepHousehold        = "household.ensure"
	StepBind             = "household.bind"
	StepComplete         = "provisioning.complete"
	StepRollback         = "provisioning.rollback"
	StepReadSubscription = "subscription.read"
	StepExpire           = "subscription.expire"
	StepErase            = "data.erase"
	StepDeprovision      = "media.deprovision"
	StepClearResource    = "resource.clear"
)

// Step outcomes
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

const (
	defaultProvisioningLease = 5 * time.Minute
	defaultDisplayName       = "User"
	passwordSuffix           = "A1!"
)

// StepOutcome is the result of one reconciler sub-step
type StepOutcome struct {
	Step    string
	Outcome string
	Err     error
}

// Report collects the sub-step outcomes of one handled event
type Report struct {
	EventID   string
	EventType string
	Kind      TransitionKind
	UserID    string
	Steps     []StepOutcome
}

// Failed returns the failed sub-steps
func (r *Report) Failed() []StepOutcome {
	var failed []StepOutcome
	for _, s := range r.Steps {
		if s.Outcome == OutcomeFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// Outcome returns the outcome recorded for a step, or "" if the step did not run
func (r *Report) Outcome(step string) string {
	for _, s := range r.Steps {
		if s.Step == step {
			return s.Outcome
		}
	}
	return ""
}

// Err joins the errors of all failed sub-steps
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Failed() {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Step, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Config holds the reconciler collaborators
type Config struct {
	// Storage is required.
	Storage Storage

	// Provisioner creates managed media accounts. Provisioning and
	// deprovisioning are skipped when nil.
	Provisioner Provisioner

	// Directory supplies e-mail and display name for provisioning. When nil
	// the e-mail from subscription metadata is used.
	Directory Directory

	// UserResolver is consulted when metadata carries no user id.
	UserResolver UserResolver

	// Cache is invalidated whenever a user's subscription row changes.
	Cache EntitlementCache

	// ProvisioningLease bounds how long a provisioning claim blocks other
	// deliveries. Defaults to 5 minutes.
	ProvisioningLease time.Duration

	// PasswordGenerator returns the single-use media account password.
	PasswordGenerator func() string

	Logger     Logger
	Metrics    Metrics
	TimeSource TimeSource
}

// Reconciler drives the subscription state machine for verified events
type Reconciler struct {
	store       Storage
	provisioner Provisioner
	directory   Directory
	resolver    UserResolver
	cache       EntitlementCache
	eraser      *Eraser
	lease       time.Duration
	password    func() string
	logger      Logger
	metrics     Metrics
	clock       TimeSource
}

// NewReconciler creates a Reconciler
func NewReconciler(config Config) (*Reconciler, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrInvalidConfig)
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.TimeSource == nil {
		config.TimeSource = SystemTimeSource{}
	}
	if config.Cache == nil {
		config.Cache = NoopCache{}
	}
	if config.ProvisioningLease <= 0 {
		config.ProvisioningLease = defaultProvisioningLease
	}
	if config.PasswordGenerator == nil {
		config.PasswordGenerator = GeneratePassword
	}

	return &Reconciler{
		store:       config.Storage,
		provisioner: config.Provisioner,
		directory:   config.Directory,
		resolver:    config.UserResolver,
		cache:       config.Cache,
		eraser:      NewEraser(config.Storage, config.Logger, config.Metrics),
		lease:       config.ProvisioningLease,
		password:    config.PasswordGenerator,
		logger:      config.Logger,
		metrics:     config.Metrics,
		clock:       config.TimeSource,
	}, nil
}

// GeneratePassword returns a random password satisfying common complexity rules
func GeneratePassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + passwordSuffix
}

// Handle classifies the event and applies the resulting transition. The
// returned error is non-nil only when the authoritative subscription write
// failed; every other failure is recorded in the Report.
func (r *Reconciler) Handle(ctx context.Context, ev Event) (*Report, error) {
	t := Classify(ev)
	report := &Report{EventID: ev.ID, EventType: ev.Type, Kind: t.Kind}
	r.metrics.RecordTransition(t.Kind.String())

	if t.Kind == TransitionIgnored {
		r.logger.Debug("event ignored", Field{"event_id", ev.ID}, Field{"event_type", ev.Type})
		return report, nil
	}

	if t.UserID == "" {
		t.UserID = r.resolveUser(ctx, t, report)
	}
	if t.UserID == "" {
		r.logger.Warn("subscription event without user id",
			Field{"event_id", ev.ID}, Field{"event_type", ev.Type}, Field{"subscription_id", t.SubscriptionID})
		return report, nil
	}
	report.UserID = t.UserID

	if t.Kind == TransitionTerminated {
		return report, r.terminate(ctx, t, report)
	}
	return report, r.upsert(ctx, t, report)
}

func (r *Reconciler) resolveUser(ctx context.Context, t Transition, report *Report) string {
	if r.resolver == nil || t.CustomerID == "" {
		r.record(report, StepResolveUser, OutcomeSkipped, ErrMissingUserID)
		return ""
	}
	userID, err := r.resolver.ResolveUserID(ctx, t.CustomerID)
	if err != nil {
		r.record(report, StepResolveUser, OutcomeFailed, err)
		return ""
	}
	if userID == "" {
		r.record(report, StepResolveUser, OutcomeSkipped, ErrMissingUserID)
		return ""
	}
	r.record(report, StepResolveUser, OutcomeOK, nil)
	return userID
}

func (r *Reconciler) upsert(ctx context.Context, t Transition, report *Report) error {
	previous := r.currentStatus(ctx, t.UserID)

	sub := &Subscription{
		UserID:           t.UserID,
		CustomerID:       t.CustomerID,
		SubscriptionID:   t.SubscriptionID,
		Status:           t.Status,
		Plan:             t.Plan,
		TrialEndsAt:      t.TrialEndsAt,
		CurrentPeriodEnd: t.CurrentPeriodEnd,
		StorageLimitGB:   t.Plan.StorageLimitGB(),
		UpdatedAt:        r.clock.Now().UTC(),
	}
	start := time.Now()
	err := r.store.UpsertSubscription(ctx, sub)
	r.metrics.RecordStorageOperation("upsert_subscription", time.Since(start), err)
	if err != nil {
		r.record(report, StepUpsert, OutcomeFailed, err)
		return fmt.Errorf("%w: upsert %s: %w", ErrStorage, t.UserID, err)
	}
	r.record(report, StepUpsert, OutcomeOK, nil)
	r.cache.Invalidate(t.UserID)
	if previous != t.Status {
		r.metrics.RecordStatusChange(string(previous), string(t.Status))
	}

	if !t.Status.Entitled() {
		return nil
	}

	if t.Plan == PlanPremium {
		created, err := EnsureGatewayToken(ctx, r.store, t.UserID)
		switch {
		case err != nil:
			r.record(report, StepGatewayToken, OutcomeFailed, err)
		case created:
			r.record(report, StepGatewayToken, OutcomeOK, nil)
		default:
			r.record(report, StepGatewayToken, OutcomeSkipped, nil)
		}
	}

	r.provision(ctx, t, report)
	return nil
}

func (r *Reconciler) provision(ctx context.Context, t Transition, report *Report) {
	if r.provisioner == nil {
		r.record(report, StepProvision, OutcomeSkipped, nil)
		return
	}

	won, err := r.store.ClaimProvisioning(ctx, t.UserID, r.lease)
	if err != nil {
		r.record(report, StepClaim, OutcomeFailed, err)
		return
	}
	if !won {
		r.record(report, StepClaim, OutcomeSkipped, nil)
		return
	}
	r.record(report, StepClaim, OutcomeOK, nil)

	account, err := r.account(ctx, t, report)
	if err != nil {
		r.record(report, StepIdentity, OutcomeFailed, err)
		r.release(ctx, t.UserID, report)
		return
	}

	res, err := r.provisioner.Provision(ctx, account)
	if err != nil {
		r.record(report, StepProvision, OutcomeFailed, err)
		r.release(ctx, t.UserID, report)
		return
	}
	r.record(report, StepProvision, OutcomeOK, nil)

	householdID, err := EnsureHousehold(ctx, r.store, t.UserID)
	if err != nil {
		r.record(report, StepHousehold, OutcomeFailed, err)
		r.rollback(ctx, t.UserID, res, report)
		return
	}
	r.record(report, StepHousehold, OutcomeOK, nil)

	if err := r.store.BindMediaServer(ctx, householdID, r.provisioner.ServerURL(), res.APIKey); err != nil {
		r.record(report, StepBind, OutcomeFailed, err)
		r.rollback(ctx, t.UserID, res, report)
		return
	}
	r.record(report, StepBind, OutcomeOK, nil)

	recorded, err := r.store.CompleteProvisioning(ctx, t.UserID, res.UserID)
	if err != nil {
		r.record(report, StepComplete, OutcomeFailed, err)
		r.rollback(ctx, t.UserID, res, report)
		return
	}
	if !recorded {
		r.record(report, StepComplete, OutcomeSkipped, nil)
		r.rollback(ctx, t.UserID, res, report)
		return
	}
	r.record(report, StepComplete, OutcomeOK, nil)
	r.cache.Invalidate(t.UserID)
}

func (r *Reconciler) account(ctx context.Context, t Transition, report *Report) (Account, error) {
	email := t.Email
	name := ""
	if r.directory != nil {
		id, err := r.directory.LookupUser(ctx, t.UserID)
		if err != nil {
			r.logger.Warn("identity lookup failed, using metadata email",
				Field{"user_id", t.UserID}, Field{"error", err.Error()})
		} else {
			if id.Email != "" {
				email = id.Email
			}
			name = id.DisplayName
		}
	}
	if email == "" {
		return Account{}, ErrMissingEmail
	}
	if name == "" {
		name = email
	}
	if name == "" {
		name = defaultDisplayName
	}
	r.record(report, StepIdentity, OutcomeOK, nil)

	return Account{
		Email:      email,
		Name:       name,
		Password:   r.password(),
		QuotaBytes: QuotaBytes(t.Plan.StorageLimitGB()),
	}, nil
}

// rollback removes a remote account that could not be bound and frees the
// claim so a later delivery can provision again.
func (r *Reconciler) rollback(ctx context.Context, userID string, res *Resource, report *Report) {
	if err := r.provisioner.Deprovision(ctx, res.UserID); err != nil {
		r.record(report, StepRollback, OutcomeFailed, err)
	} else {
		r.record(report, StepRollback, OutcomeOK, nil)
	}
	r.release(ctx, userID, report)
}

func (r *Reconciler) release(ctx context.Context, userID string, report *Report) {
	if err := r.store.ReleaseProvisioning(ctx, userID); err != nil {
		r.logger.Error("release provisioning claim failed",
			Field{"user_id", userID}, Field{"error", err.Error()})
	}
}

func (r *Reconciler) terminate(ctx context.Context, t Transition, report *Report) error {
	var resourceID string
	previous := Status("")
	sub, err := r.store.GetSubscription(ctx, t.UserID)
	switch {
	case err == nil:
		resourceID = sub.ResourceUserID
		previous = sub.Status
		r.record(report, StepReadSubscription, OutcomeOK, nil)
	case errors.Is(err, ErrSubscriptionNotFound):
		r.record(report, StepReadSubscription, OutcomeSkipped, nil)
	default:
		r.record(report, StepReadSubscription, OutcomeFailed, err)
	}

	start := time.Now()
	err = r.store.ExpireSubscription(ctx, t.UserID)
	r.metrics.RecordStorageOperation("expire_subscription", time.Since(start), err)
	if err != nil {
		r.record(report, StepExpire, OutcomeFailed, err)
		return fmt.Errorf("%w: expire %s: %w", ErrStorage, t.UserID, err)
	}
	r.record(report, StepExpire, OutcomeOK, nil)
	r.cache.Invalidate(t.UserID)
	if previous != "" && previous != StatusExpired {
		r.metrics.RecordStatusChange(string(previous), string(StatusExpired))
	}

	erased, err := r.eraser.Erase(ctx, t.UserID)
	if err != nil {
		r.record(report, StepErase, OutcomeFailed, err)
	} else {
		r.record(report, StepErase, OutcomeOK, nil)
	}
	r.logger.Info("user data erased",
		Field{"user_id", t.UserID}, Field{"rows", erased.Deleted()})

	if resourceID == "" {
		r.record(report, StepDeprovision, OutcomeSkipped, nil)
		return nil
	}
	if r.provisioner == nil {
		r.logger.Warn("media account left in place, provisioner not configured",
			Field{"user_id", t.UserID}, Field{"resource_user_id", resourceID})
		r.record(report, StepDeprovision, OutcomeSkipped, nil)
		return nil
	}
	if err := r.provisioner.Deprovision(ctx, resourceID); err != nil {
		r.record(report, StepDeprovision, OutcomeFailed, err)
		return nil
	}
	r.record(report, StepDeprovision, OutcomeOK, nil)

	if err := r.store.ClearResource(ctx, t.UserID, resourceID); err != nil {
		r.record(report, StepClearResource, OutcomeFailed, err)
	} else {
		r.record(report, StepClearResource, OutcomeOK, nil)
	}
	return nil
}

func (r *Reconciler) currentStatus(ctx context.Context, userID string) Status {
	sub, err := r.store.GetSubscription(ctx, userID)
	if err != nil {
		return ""
	}
	return sub.Status
}

func (r *Reconciler) record(report *Report, step, outcome string, err error) {
	report.Steps = append(report.Steps, StepOutcome{Step: step, Outcome: outcome, Err: err})
	r.metrics.RecordStep(step, outcome)
	if outcome == OutcomeFailed {
		fields := []Field{{"event_id", report.EventID}, {"user_id", report.UserID}, {"step", step}}
		if err != nil {
			fields = append(fields, Field{"error", err.Error()})
		}
		r.logger.Error("reconciler step failed", fields...)
	}
}
