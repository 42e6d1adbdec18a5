package models

import (
	"fmt"
	"strings"
)

// SessionKey identifies one conversation thread between an agent and a user.
// Every event, effect and timer carries exactly one session key; ordering,
// cooldown and autonomy policy are all scoped to it.
type SessionKey struct {
	AgentID  string `json:"agent_id"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
}

// String returns the canonical storage form of the key.
func (k SessionKey) String() string {
	return k.AgentID + ":" + k.UserID + ":" + k.ThreadID
}

// Validate checks that no component is empty or contains the separator.
func (k SessionKey) Validate() error {
	for _, part := range []struct{ name, val string }{
		{"agent_id", k.AgentID},
		{"user_id", k.UserID},
		{"thread_id", k.ThreadID},
	} {
		if part.val == "" {
			return fmt.Errorf("session key: %s is empty", part.name)
		}
		if strings.Contains(part.val, ":") {
			return fmt.Errorf("session key: %s contains ':'", part.name)
		}
	}
	return nil
}

// ParseSessionKey parses the canonical "agent:user:thread" form.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return SessionKey{}, fmt.Errorf("invalid session key %q", s)
	}
	key := SessionKey{AgentID: parts[0], UserID: parts[1], ThreadID: parts[2]}
	if err := key.Validate(); err != nil {
		return SessionKey{}, err
	}
	return key, nil
}
