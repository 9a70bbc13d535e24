package shared

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxNumberAttempts bounds document-number collision retries.
const MaxNumberAttempts = 3

// ErrNumberCollision is returned by repositories when a document number is taken.
var ErrNumberCollision = errors.New("shared: document number already used")

// NumberGenerator produces a candidate document number for the given time.
type NumberGenerator func(prefix string, at time.Time) string

// NewDocumentNumber returns PREFIX-YYYYMMDD-XXXXXXXX with a random suffix.
func NewDocumentNumber(prefix string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return prefix + "-" + at.UTC().Format("20060102") + "-" + suffix
}

// InsertWithNumber retries insert with fresh numbers while it reports a collision.
func InsertWithNumber(gen NumberGenerator, prefix string, at time.Time, insert func(number string) error) error {
	if gen == nil {
		gen = NewDocumentNumber
	}
	for attempt := 0; attempt < MaxNumberAttempts; attempt++ {
		err := insert(gen(prefix, at))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNumberCollision) {
			return err
		}
	}
	return Conflict("number_exhausted", "could not allocate a unique document number")
}
