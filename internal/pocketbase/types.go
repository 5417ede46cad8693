package pocketbase

import "time"

// timeLayout is how PocketBase renders record timestamps.
const timeLayout = "2006-01-02 15:04:05.999Z07:00"

// User is a record of the users auth collection. Only the system fields
// are guaranteed; the rest depend on the collection schema.
type User struct {
	ID              string `json:"id"`
	CollectionID    string `json:"collectionId,omitempty"`
	CollectionName  string `json:"collectionName,omitempty"`
	Email           string `json:"email"`
	EmailVisibility bool   `json:"emailVisibility,omitempty"`
	Verified        bool   `json:"verified"`
	Created         string `json:"created,omitempty"`
	Updated         string `json:"updated,omitempty"`

	FirstName          string `json:"firstName,omitempty"`
	LastName           string `json:"lastName,omitempty"`
	Avatar             string `json:"avatar,omitempty"`
	Role               string `json:"role,omitempty"`
	Plan               string `json:"plan,omitempty"`
	PlanStatus         string `json:"planStatus,omitempty"`
	TrialEndsAt        string `json:"trialEndsAt,omitempty"`
	SubscriptionEndsAt string `json:"subscriptionEndsAt,omitempty"`
}

// CreatedAt parses Created, returning the zero time when absent or malformed.
func (u User) CreatedAt() time.Time {
	return parseTime(u.Created)
}

type AuthResponse struct {
	Token  string `json:"token"`
	Record User   `json:"record"`
}

type passwordAuth struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

type signupRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}

	return t
}
