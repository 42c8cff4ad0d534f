package learning

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process ModelStore. Models are stored as JSON so
// callers never share mutable state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: make(map[string][]byte)}
}

func (m *MemoryStore) Load(userID string) (*UserModel, error) {
	m.mu.RLock()
	data, ok := m.models[userID]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrModelNotFound
	}

	var model UserModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("unmarshaling model: %w", err)
	}
	return &model, nil
}

func (m *MemoryStore) Save(model *UserModel) error {
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("marshaling model: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[model.UserID] = data
	return nil
}

func (m *MemoryStore) Users() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.models))
	for u := range m.models {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}
