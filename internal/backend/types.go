package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Login response statuses.
const (
	LoginStatusOK             = "ok"
	LoginStatusSecondRequired = "2fa_required"
)

// Profile is the profile block of a backend identity.
type Profile struct {
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// Identity is the identity as the backend sends it. Roles are raw strings;
// mapping to auth.Role happens in the verifier so the fallback is logged
// in one place.
type Identity struct {
	ID      FlexibleID `json:"id"`
	Email   string     `json:"email"`
	Roles   []string   `json:"roles"`
	Profile Profile    `json:"profile"`
}

// PendingFactor is the partial-auth context returned with 2fa_required.
type PendingFactor struct {
	Token  string `json:"token"`
	Method string `json:"method"`
	Email  string `json:"email,omitempty"`
}

// LoginResponse is the body of POST /api/auth/login.
type LoginResponse struct {
	Status               string         `json:"status"`
	Identity             *Identity      `json:"identity,omitempty"`
	PendingFactorContext *PendingFactor `json:"pendingFactorContext,omitempty"`
	AccessToken          string         `json:"access_token,omitempty"`
}

// VerifyResponse is the body of POST /api/auth/2fa/verify.
type VerifyResponse struct {
	Identity    *Identity `json:"identity"`
	AccessToken string    `json:"access_token,omitempty"`
}

// Notification is one activity as delivered by the pull endpoint and the
// push channel.
type Notification struct {
	ID        FlexibleID `json:"id"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"createdAt"`
	Read      bool       `json:"read"`
}

type notificationsEnvelope struct {
	Data struct {
		Activities []Notification `json:"activities"`
	} `json:"data"`
}

// DecodeNotification parses a single push payload.
func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("decoding notification: %w", err)
	}
	if n.ID == "" {
		return Notification{}, fmt.Errorf("decoding notification: missing id")
	}
	return n, nil
}

// FlexibleID accepts either a JSON string or a JSON number. The backend
// uses numeric activity IDs and string user IDs.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(string(n), 64); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}

// String implements fmt.Stringer.
func (f FlexibleID) String() string {
	return string(f)
}
