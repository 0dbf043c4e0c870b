// Package memory provides an in-memory implementation of the lifecycle.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

type subscriptionRow struct {
	sub       lifecycle.Subscription
	claimedAt *time.Time
}

type tokenKey struct {
	userID string
	name   string
}

// Household is a stored household row
type Household struct {
	ID      string
	OwnerID string
	Name    string
}

// Member is a stored household membership row
type Member struct {
	HouseholdID string
	UserID      string
	Role        string
}

// MediaServerConfig is the credential binding of a household
type MediaServerConfig struct {
	ServerURL string
	APIKey    string
}

type child struct {
	id          string
	userID      string
	householdID string
}

type journalEntry struct {
	id      string
	userID  string
	childID string
}

// Storage implements lifecycle.Storage using in-memory maps
type Storage struct {
	mu  sync.RWMutex
	now func() time.Time
	seq int

	subscriptions map[string]*subscriptionRow
	tokens        map[tokenKey]string
	plainTokens   map[string]string
	households    map[string]*Household
	members       []Member
	mediaConfig   map[string]MediaServerConfig
	children      map[string]child
	journal       map[string]journalEntry
	invites       map[string]string // invite id -> household id
	settings      map[string]string // household id -> household id
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		now:           time.Now,
		subscriptions: make(map[string]*subscriptionRow),
		tokens:        make(map[tokenKey]string),
		plainTokens:   make(map[string]string),
		households:    make(map[string]*Household),
		mediaConfig:   make(map[string]MediaServerConfig),
		children:      make(map[string]child),
		journal:       make(map[string]journalEntry),
		invites:       make(map[string]string),
		settings:      make(map[string]string),
	}
}

// SetClock overrides the time source used for provisioning leases
func (s *Storage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Storage) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_%d", prefix, s.seq)
}

// GetSubscription implements lifecycle.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, userID string) (*lifecycle.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.subscriptions[userID]
	if !ok {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	sub := row.sub
	return &sub, nil
}

// ResolveUserID implements lifecycle.UserResolver from stored customer ids
func (s *Storage) ResolveUserID(_ context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for userID, row := range s.subscriptions {
		if customerID != "" && row.sub.CustomerID == customerID {
			return userID, nil
		}
	}
	return "", nil
}

// UpsertSubscription implements lifecycle.SubscriptionStore
func (s *Storage) UpsertSubscription(_ context.Context, sub *lifecycle.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := *sub
	if row, ok := s.subscriptions[sub.UserID]; ok {
		next.ResourceUserID = row.sub.ResourceUserID
		row.sub = next
		return nil
	}
	next.ResourceUserID = ""
	s.subscriptions[sub.UserID] = &subscriptionRow{sub: next}
	return nil
}

// ClaimProvisioning implements lifecycle.SubscriptionStore
func (s *Storage) ClaimProvisioning(_ context.Context, userID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.subscriptions[userID]
	if !ok || row.sub.ResourceUserID != "" {
		return false, nil
	}
	now := s.now()
	if row.claimedAt != nil && now.Sub(*row.claimedAt) < lease {
		return false, nil
	}
	row.claimedAt = &now
	return true, nil
}

// CompleteProvisioning implements lifecycle.SubscriptionStore
func (s *Storage) CompleteProvisioning(_ context.Context, userID, resourceUserID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.subscriptions[userID]
	if !ok || row.sub.ResourceUserID != "" {
		return false, nil
	}
	row.sub.ResourceUserID = resourceUserID
	row.sub.UpdatedAt = s.now().UTC()
	row.claimedAt = nil
	return true, nil
}

// ReleaseProvisioning implements lifecycle.SubscriptionStore
func (s *Storage) ReleaseProvisioning(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.subscriptions[userID]; ok {
		row.claimedAt = nil
	}
	return nil
}

// ExpireSubscription implements lifecycle.SubscriptionStore
func (s *Storage) ExpireSubscription(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.subscriptions[userID]; ok {
		row.sub.Status = lifecycle.StatusExpired
		row.sub.UpdatedAt = s.now().UTC()
	}
	return nil
}

// ClearResource implements lifecycle.SubscriptionStore
func (s *Storage) ClearResource(_ context.Context, userID, resourceUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.subscriptions[userID]; ok && row.sub.ResourceUserID == resourceUserID {
		row.sub.ResourceUserID = ""
		row.sub.UpdatedAt = s.now().UTC()
	}
	return nil
}

// InsertGatewayToken implements lifecycle.TokenStore
func (s *Storage) InsertGatewayToken(_ context.Context, userID, name, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey{userID: userID, name: name}
	if _, exists := s.tokens[key]; exists {
		return false, nil
	}
	s.tokens[key] = tokenHash
	return true, nil
}

// ReplaceGatewayToken implements lifecycle.TokenStore
func (s *Storage) ReplaceGatewayToken(_ context.Context, userID, name, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenKey{userID: userID, name: name}] = tokenHash
	return nil
}

// SetPlainGatewayToken implements lifecycle.TokenStore
func (s *Storage) SetPlainGatewayToken(_ context.Context, userID, plainToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plainTokens[userID] = plainToken
	return nil
}

// GetPlainGatewayToken implements lifecycle.TokenStore
func (s *Storage) GetPlainGatewayToken(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plainTokens[userID], nil
}

// GatewayTokenHash returns the stored hash of a named token
func (s *Storage) GatewayTokenHash(userID, name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.tokens[tokenKey{userID: userID, name: name}]
	return hash, ok
}

// GatewayTokenCount returns the number of token rows for a user
func (s *Storage) GatewayTokenCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key := range s.tokens {
		if key.userID == userID {
			n++
		}
	}
	return n
}

// FindHouseholdForUser implements lifecycle.HouseholdStore
func (s *Storage) FindHouseholdForUser(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.members {
		if m.UserID == userID {
			return m.HouseholdID, nil
		}
	}
	return "", lifecycle.ErrHouseholdNotFound
}

// CreateHousehold implements lifecycle.HouseholdStore
func (s *Storage) CreateHousehold(_ context.Context, ownerID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addHousehold(ownerID, name), nil
}

func (s *Storage) addHousehold(ownerID, name string) string {
	id := s.nextID("hh")
	s.households[id] = &Household{ID: id, OwnerID: ownerID, Name: name}
	s.members = append(s.members, Member{HouseholdID: id, UserID: ownerID, Role: "owner"})
	return id
}

// BindMediaServer implements lifecycle.HouseholdStore
func (s *Storage) BindMediaServer(_ context.Context, householdID, serverURL, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.households[householdID]; !ok {
		return lifecycle.ErrHouseholdNotFound
	}
	s.mediaConfig[householdID] = MediaServerConfig{ServerURL: serverURL, APIKey: apiKey}
	return nil
}

// MediaServer returns the credential binding of a household
func (s *Storage) MediaServer(householdID string) (MediaServerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.mediaConfig[householdID]
	return cfg, ok
}

// Household returns a stored household
func (s *Storage) Household(id string) (Household, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.households[id]
	if !ok {
		return Household{}, false
	}
	return *h, true
}

// AddHousehold seeds a household owned by ownerID with an owner membership
func (s *Storage) AddHousehold(ownerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addHousehold(ownerID, lifecycle.DefaultHouseholdName)
}

// AddMember seeds a household membership
func (s *Storage) AddMember(householdID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append(s.members, Member{HouseholdID: householdID, UserID: userID, Role: role})
}

// AddChild seeds a child profile. householdID may be empty.
func (s *Storage) AddChild(userID, householdID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID("child")
	s.children[id] = child{id: id, userID: userID, householdID: householdID}
	return id
}

// AddJournalEntry seeds a journal entry. childID may be empty.
func (s *Storage) AddJournalEntry(userID, childID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID("journal")
	s.journal[id] = journalEntry{id: id, userID: userID, childID: childID}
	return id
}

// AddInvite seeds a household invite
func (s *Storage) AddInvite(householdID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID("invite")
	s.invites[id] = householdID
	return id
}

// AddSettings seeds the settings row of a household
func (s *Storage) AddSettings(householdID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[householdID] = householdID
}

// Count returns the number of rows in a table
func (s *Storage) Count(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch table {
	case "subscriptions":
		return len(s.subscriptions)
	case "ai_gateway_tokens":
		return len(s.tokens)
	case "households":
		return len(s.households)
	case "household_members":
		return len(s.members)
	case "household_invites":
		return len(s.invites)
	case "household_settings":
		return len(s.settings)
	case "children":
		return len(s.children)
	case "journal_entries":
		return len(s.journal)
	default:
		return 0
	}
}

// OwnedHouseholds implements lifecycle.ContentStore
func (s *Storage) OwnedHouseholds(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, h := range s.households {
		if h.OwnerID == userID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ChildrenOfHouseholds implements lifecycle.ContentStore
func (s *Storage) ChildrenOfHouseholds(_ context.Context, householdIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in := toSet(householdIDs)
	var ids []string
	for id, c := range s.children {
		if in[c.householdID] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteJournalEntriesByUser implements lifecycle.ContentStore
func (s *Storage) DeleteJournalEntriesByUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.journal {
		if e.userID == userID {
			delete(s.journal, id)
			n++
		}
	}
	return n, nil
}

// DeleteJournalEntriesByChildren implements lifecycle.ContentStore
func (s *Storage) DeleteJournalEntriesByChildren(_ context.Context, childIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := toSet(childIDs)
	var n int64
	for id, e := range s.journal {
		if e.childID != "" && in[e.childID] {
			delete(s.journal, id)
			n++
		}
	}
	return n, nil
}

// DeleteChildrenByUser implements lifecycle.ContentStore
func (s *Storage) DeleteChildrenByUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.children {
		if c.userID == userID {
			delete(s.children, id)
			n++
		}
	}
	return n, nil
}

// DeleteChildrenByHouseholds implements lifecycle.ContentStore
func (s *Storage) DeleteChildrenByHouseholds(_ context.Context, householdIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := toSet(householdIDs)
	var n int64
	for id, c := range s.children {
		if c.householdID != "" && in[c.householdID] {
			delete(s.children, id)
			n++
		}
	}
	return n, nil
}

// DeleteHouseholdRows implements lifecycle.ContentStore
func (s *Storage) DeleteHouseholdRows(
	_ context.Context, table lifecycle.HouseholdTable, householdIDs []string,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := toSet(householdIDs)
	var n int64
	switch table {
	case lifecycle.TableHouseholdInvites:
		for id, hh := range s.invites {
			if in[hh] {
				delete(s.invites, id)
				n++
			}
		}
	case lifecycle.TableHouseholdSettings:
		for hh := range s.settings {
			if in[hh] {
				delete(s.settings, hh)
				n++
			}
		}
	case lifecycle.TableHouseholdMembers:
		kept := s.members[:0]
		for _, m := range s.members {
			if in[m.HouseholdID] {
				n++
				continue
			}
			kept = append(kept, m)
		}
		s.members = kept
	case lifecycle.TableHouseholds:
		for id := range s.households {
			if in[id] {
				delete(s.households, id)
				delete(s.mediaConfig, id)
				n++
			}
		}
	default:
		return 0, fmt.Errorf("unknown household table %q", table)
	}
	return n, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
