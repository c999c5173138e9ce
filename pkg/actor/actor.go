// Package actor defines the normalized identity of a connected participant.
// Every layer of the portal (HTTP auth, the real-time gateway, the session
// guard) consumes this one value type; payload shape differences are resolved
// once, in Normalize.
package actor

import (
	"encoding/json"
	"errors"
	"strings"
)

// Role is the portal role of an actor.
type Role string

const (
	RoleUser   Role = "user"
	RoleDoctor Role = "doctor"
	RoleAdmin  Role = "admin"
)

var (
	ErrMissingID   = errors.New("actor id is required")
	ErrInvalidRole = errors.New("role must be one of user, doctor, admin")
)

// ParseRole validates a role string. "patient" is accepted as an alias of
// "user" because patient-facing payloads use both spellings.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "patient":
		return RoleUser, nil
	case "doctor":
		return RoleDoctor, nil
	case "admin":
		return RoleAdmin, nil
	}
	return "", ErrInvalidRole
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleDoctor || r == RoleAdmin
}

// Actor is an authenticated user, doctor or admin.
type Actor struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Validate checks the actor carries an id and a known role.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrMissingID
	}
	if !a.Role.Valid() {
		return ErrInvalidRole
	}
	return nil
}

// rawActor is the union of the field names seen in session payloads.
type rawActor struct {
	ID       string          `json:"id"`
	UnderID  string          `json:"_id"`
	UserID   string          `json:"userId"`
	ActorID  string          `json:"actorId"`
	DoctorID string          `json:"doctorId"`
	Role     string          `json:"role"`
	Email    string          `json:"email"`
	Name     string          `json:"name"`
	User     json.RawMessage `json:"user"`
}

// maxNesting bounds the depth of {"user": {"user": ...}} wrappers.
const maxNesting = 4

// Normalize decodes a session payload into an Actor. Payloads may wrap the
// identity in nested "user" objects and may spell the identifier as id, _id,
// userId, actorId or doctorId; the innermost object carrying an identifier
// wins. fallbackRole is used when the payload carries no role.
func Normalize(payload []byte, fallbackRole Role) (Actor, error) {
	var best *rawActor
	data := payload
	for depth := 0; depth < maxNesting && len(data) > 0; depth++ {
		var raw rawActor
		if err := json.Unmarshal(data, &raw); err != nil {
			if best == nil {
				return Actor{}, err
			}
			break
		}
		if raw.identifier() != "" {
			r := raw
			best = &r
		}
		if len(raw.User) == 0 || string(raw.User) == "null" {
			break
		}
		data = raw.User
	}
	if best == nil {
		return Actor{}, ErrMissingID
	}

	a := Actor{ID: best.identifier(), Email: best.Email, Name: best.Name}
	if best.Role != "" {
		role, err := ParseRole(best.Role)
		if err != nil {
			return Actor{}, err
		}
		a.Role = role
	} else {
		a.Role = fallbackRole
	}
	if best.DoctorID != "" && best.Role == "" {
		a.Role = RoleDoctor
	}
	return a, a.Validate()
}

func (r rawActor) identifier() string {
	for _, id := range []string{r.ID, r.UnderID, r.UserID, r.ActorID, r.DoctorID} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}
