package common

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// OptimisticPrefix marks client-generated ids that a server id will replace.
const OptimisticPrefix = "optimistic-"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lexically sortable id for server-assigned records.
func NewULID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewOptimisticID returns a temporary client id.
func NewOptimisticID() string {
	return OptimisticPrefix + uuid.NewString()
}

func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, OptimisticPrefix)
}

// NewClientID identifies one realtime participant connection.
func NewClientID() string {
	return uuid.NewString()
}
