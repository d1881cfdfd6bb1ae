// Package modelstore holds per-model metadata: ownership, access control,
// base-model substitution, and parameter overrides.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when no record exists for a model id.
var ErrNotFound = errors.New("model not found")

// Grant lists the principals allowed one permission.
type Grant struct {
	GroupIDs []string `json:"group_ids" yaml:"group_ids"`
	UserIDs  []string `json:"user_ids" yaml:"user_ids"`
}

// AccessControl describes who may read or write a model. A nil
// *AccessControl means public read, owner-only write.
type AccessControl struct {
	Read  Grant `json:"read" yaml:"read"`
	Write Grant `json:"write" yaml:"write"`
}

// Params is the free-form parameter set attached to a model. Recognised
// keys are applied to requests by the dispatcher; "system" holds an
// optional system prompt template.
type Params map[string]any

// Model is one stored metadata record.
type Model struct {
	ID            string         `json:"id" yaml:"id"`
	UserID        string         `json:"user_id" yaml:"user_id"`
	BaseModelID   string         `json:"base_model_id,omitempty" yaml:"base_model_id,omitempty"`
	Name          string         `json:"name" yaml:"name"`
	Params        Params         `json:"params,omitempty" yaml:"params,omitempty"`
	AccessControl *AccessControl `json:"access_control" yaml:"access_control"`
	CreatedAt     time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"-"`
}

// Validate checks the fields every store requires.
func (m *Model) Validate() error {
	if m == nil {
		return fmt.Errorf("model is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("model id is required")
	}
	if m.BaseModelID == m.ID {
		return fmt.Errorf("model %q cannot be its own base model", m.ID)
	}
	return nil
}

// Store defines the interface for model metadata storage.
type Store interface {
	Get(ctx context.Context, id string) (*Model, error)
	Put(ctx context.Context, m *Model) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Model, error)
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the store for driver. An empty driver selects memory.
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverPostgres, "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown model store driver %q", driver)
	}
}

func clone(m *Model) *Model {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Params != nil {
		cp.Params = make(Params, len(m.Params))
		for k, v := range m.Params {
			cp.Params[k] = v
		}
	}
	if m.AccessControl != nil {
		ac := AccessControl{
			Read: Grant{
				GroupIDs: append([]string(nil), m.AccessControl.Read.GroupIDs...),
				UserIDs:  append([]string(nil), m.AccessControl.Read.UserIDs...),
			},
			Write: Grant{
				GroupIDs: append([]string(nil), m.AccessControl.Write.GroupIDs...),
				UserIDs:  append([]string(nil), m.AccessControl.Write.UserIDs...),
			},
		}
		cp.AccessControl = &ac
	}
	return &cp
}
