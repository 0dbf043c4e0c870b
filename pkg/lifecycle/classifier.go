package lifecycle

import (
	"strings"
	"time"
)

// Subscription event types understood by the reconciler
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Metadata keys read from the subscription object
const (
	MetadataUserID = "user_id"
	MetadataPlanID = "plan_id"
	MetadataEmail  = "email"
)

// SubscriptionObject is the typed subset of a processor subscription payload
type SubscriptionObject struct {
	ID               string
	Status           string
	CustomerID       string
	TrialEnd         *time.Time
	CurrentPeriodEnd *time.Time
	Metadata         map[string]string
}

// Event is a verified webhook event envelope
type Event struct {
	ID      string
	Type    string
	Created time.Time
	// Object is nil for events that do not carry a subscription.
	Object *SubscriptionObject
}

// TransitionKind tags the variant of a Transition
type TransitionKind int

const (
	TransitionIgnored TransitionKind = iota
	TransitionUpserted
	TransitionTerminated
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionUpserted:
		return "upserted"
	case TransitionTerminated:
		return "terminated"
	default:
		return "ignored"
	}
}

// Transition is the lifecycle change an event maps to. Upserted carries every
// field; Terminated carries identifiers only; Ignored carries nothing.
type Transition struct {
	Kind             TransitionKind
	EventType        string
	UserID           string
	CustomerID       string
	SubscriptionID   string
	Status           Status
	Plan             Plan
	TrialEndsAt      *time.Time
	CurrentPeriodEnd *time.Time
	Email            string
}

// Classify maps an event onto a Transition. Unknown types and subscription
// events without a payload are Ignored.
func Classify(ev Event) Transition {
	obj := ev.Object
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		if obj == nil {
			return Transition{Kind: TransitionIgnored, EventType: ev.Type}
		}
		if ev.Type == EventSubscriptionUpdated && terminalStatus(obj.Status) {
			return terminated(ev.Type, obj)
		}
		return Transition{
			Kind:             TransitionUpserted,
			EventType:        ev.Type,
			UserID:           metadata(obj, MetadataUserID),
			CustomerID:       obj.CustomerID,
			SubscriptionID:   obj.ID,
			Status:           NormalizeStatus(obj.Status),
			Plan:             ParsePlan(metadata(obj, MetadataPlanID)),
			TrialEndsAt:      obj.TrialEnd,
			CurrentPeriodEnd: obj.CurrentPeriodEnd,
			Email:            metadata(obj, MetadataEmail),
		}
	case EventSubscriptionDeleted:
		if obj == nil {
			return Transition{Kind: TransitionIgnored, EventType: ev.Type}
		}
		return terminated(ev.Type, obj)
	default:
		return Transition{Kind: TransitionIgnored, EventType: ev.Type}
	}
}

func terminated(eventType string, obj *SubscriptionObject) Transition {
	return Transition{
		Kind:           TransitionTerminated,
		EventType:      eventType,
		UserID:         metadata(obj, MetadataUserID),
		CustomerID:     obj.CustomerID,
		SubscriptionID: obj.ID,
		Status:         StatusExpired,
		Plan:           ParsePlan(metadata(obj, MetadataPlanID)),
	}
}

func terminalStatus(raw string) bool {
	return raw == string(StatusCanceled) || raw == string(StatusExpired)
}

func metadata(obj *SubscriptionObject, key string) string {
	if obj.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(obj.Metadata[key])
}
