// Package roster loads the collaborator roster the engine scopes its
// broadcasts with. Authentication is owned elsewhere; the roster only
// maps user IDs to display names and supervisor flags.
package roster

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/crewbase/timetrack/internal/domain"
)

// Roster is the parsed collaborator file
type Roster struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

type rosterFile struct {
	Users []domain.User `yaml:"users"`
}

// Load reads a roster YAML file
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses roster YAML content
func Parse(data []byte) (*Roster, error) {
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing roster: %w", err)
	}

	users := make(map[string]domain.User, len(file.Users))
	for _, user := range file.Users {
		if user.ID == "" {
			return nil, fmt.Errorf("roster user without id")
		}
		if user.Role == "" {
			user.Role = domain.RoleCollaborator
		}
		users[user.ID] = user
	}

	return &Roster{users: users}, nil
}

// Role returns a user's role and whether the user is known
func (r *Roster) Role(userID string) (domain.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	return user.Role, ok
}

// Name returns a user's display name, falling back to the ID
func (r *Roster) Name(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if user, ok := r.users[userID]; ok {
		return user.Name
	}
	return userID
}

// Users returns all roster users
func (r *Roster) Users() []domain.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]domain.User, 0, len(r.users))
	for _, user := range r.users {
		users = append(users, user)
	}
	return users
}

// replace swaps the roster content in place, used by the watcher
func (r *Roster) replace(other *Roster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = other.users
}
