package core

import "time"

// KeyCategory namespaces correlation keys so that rules never share history
type KeyCategory string

const (
	KeyCategoryAuth  KeyCategory = "auth"
	KeyCategoryRate  KeyCategory = "rate"
	KeyCategoryLogin KeyCategory = "login"
)

// CorrelationKey identifies one sliding-window history
type CorrelationKey struct {
	Category KeyCategory
	Identity string
}

func (k CorrelationKey) String() string {
	return string(k.Category) + ":" + k.Identity
}

// IsZero reports whether no identity could be derived for the key
func (k CorrelationKey) IsZero() bool {
	return k.Identity == ""
}

// AuthKey groups auth events by user id, falling back to the submitted
// username and finally to the source IP for unauthenticated attempts.
func AuthKey(e *SecurityEvent) CorrelationKey {
	id := e.SubjectUserID
	if id == "" {
		id = e.PayloadString(PayloadUsername)
	}
	if id == "" {
		id = e.IPAddress
	}
	return CorrelationKey{Category: KeyCategoryAuth, Identity: id}
}

// RateKey groups every event by source IP, falling back to the user id
func RateKey(e *SecurityEvent) CorrelationKey {
	id := e.IPAddress
	if id == "" {
		id = e.SubjectUserID
	}
	return CorrelationKey{Category: KeyCategoryRate, Identity: id}
}

// LoginKey groups successful logins by user id. Its window stands in for the
// login history store when that store is absent or degraded.
func LoginKey(e *SecurityEvent) CorrelationKey {
	return CorrelationKey{Category: KeyCategoryLogin, Identity: e.SubjectUserID}
}

// PrimaryKey is the key whose history is attached during enrichment
func PrimaryKey(e *SecurityEvent) CorrelationKey {
	if e.IsAuth() {
		return AuthKey(e)
	}
	return RateKey(e)
}

// Marker is the compact trace of an event kept in a correlation window
type Marker struct {
	EventID   string
	Type      string
	Timestamp time.Time
	IPAddress string
	UserAgent string
	Country   string
}

// MarkerFor builds the marker recorded for an event. Country comes from the
// enricher's geography lookup and is empty when it was unavailable.
func MarkerFor(e *EnrichedEvent) Marker {
	return Marker{
		EventID:   e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Country:   e.IPInfo.Country,
	}
}
