// Package id generates the identifiers used for session runs and history items.
// Identifiers are ULIDs, so they sort by creation time.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

type ID struct {
	value ulid.ULID
}

func NewFromTime(t time.Time) (*ID, error) {
	mutex.Lock()
	defer mutex.Unlock()

	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return nil, err
	}

	return &ID{id}, nil
}

func NewStringFromTime(t time.Time) (string, error) {
	id, err := NewFromTime(t)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

// Must returns a new identifier for the given time. Monotonic entropy only fails once
// more than 2^80 ids are requested within one millisecond, so a failure is a bug.
func Must(t time.Time) string {
	s, err := NewStringFromTime(t)
	if err != nil {
		panic(err)
	}
	return s
}

func Parse(s string) (*ID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return nil, err
	}

	return &ID{id}, nil
}

func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

func (id *ID) String() string {
	return id.value.String()
}

func (id *ID) Time() time.Time {
	return ulid.Time(id.value.Time())
}
