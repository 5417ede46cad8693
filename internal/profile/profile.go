// Package profile holds the signed-in user's profile. It is dependent
// session state and is cleared together with the token.
package profile

import (
	"context"
	"strings"
	"sync"
	"time"
)

type (
	Plan       string
	PlanStatus string
	Role       string
)

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"

	PlanStatusActive   PlanStatus = "active"
	PlanStatusCanceled PlanStatus = "canceled"
	PlanStatusPastDue  PlanStatus = "past_due"
	PlanStatusTrialing PlanStatus = "trialing"

	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type Profile struct {
	ID            string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
	AvatarURL     string
	Role          Role
	CreatedAt     time.Time

	Plan               Plan
	PlanStatus         PlanStatus
	TrialEndsAt        time.Time
	SubscriptionEndsAt time.Time
}

// Default is the profile of nobody.
func Default() Profile {
	return Profile{
		Role:       RoleUser,
		Plan:       PlanFree,
		PlanStatus: PlanStatusActive,
	}
}

func (p Profile) IsPro() bool {
	return p.Plan == PlanPro && p.PlanStatus == PlanStatusActive
}

func (p Profile) IsTrialing() bool {
	return p.PlanStatus == PlanStatusTrialing
}

// FullName joins the non-empty name parts, or returns "" when both are empty.
func (p Profile) FullName() string {
	parts := make([]string, 0, 2)
	for _, s := range []string{p.FirstName, p.LastName} {
		if s != "" {
			parts = append(parts, s)
		}
	}

	return strings.Join(parts, " ")
}

type Subscription struct {
	Plan               Plan
	PlanStatus         PlanStatus
	TrialEndsAt        time.Time
	SubscriptionEndsAt time.Time
}

type Store struct {
	mu      sync.RWMutex
	profile Profile
}

func NewStore() *Store {
	return &Store{profile: Default()}
}

func (s *Store) Get() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.profile
}

// Update applies fn to the stored profile under the lock.
func (s *Store) Update(fn func(p *Profile)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.profile)
}

func (s *Store) UpdateName(firstName, lastName, avatarURL string) {
	s.Update(func(p *Profile) {
		p.FirstName = firstName
		p.LastName = lastName
		p.AvatarURL = avatarURL
	})
}

func (s *Store) UpdateSubscription(sub Subscription) {
	s.Update(func(p *Profile) {
		p.Plan = sub.Plan
		p.PlanStatus = sub.PlanStatus
		p.TrialEndsAt = sub.TrialEndsAt
		p.SubscriptionEndsAt = sub.SubscriptionEndsAt
	})
}

// Clear resets the profile. Its signature matches a token logout hook.
func (s *Store) Clear(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profile = Default()
}
