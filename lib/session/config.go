package session

import (
	"time"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/go-playground/validator/v10"
)

// Config holds the tunables of a Registry.
type Config struct {
	// GracePeriod is how long a session without connections stays in memory.
	GracePeriod time.Duration

	// AwarenessTTL expires awareness entries that are not refreshed.
	AwarenessTTL time.Duration

	// SweepInterval is how often expired awareness entries are removed.
	SweepInterval time.Duration

	// FlushInterval flushes modified documents periodically. Zero flushes on eviction only.
	FlushInterval time.Duration

	// StorageTimeout bounds every storage and relay call.
	StorageTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod:    30 * time.Second,
		AwarenessTTL:   awareness.DefaultTTL,
		SweepInterval:  5 * time.Second,
		FlushInterval:  0,
		StorageTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero values with the defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.AwarenessTTL <= 0 {
		c.AwarenessTTL = d.AwarenessTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = d.StorageTimeout
	}
	return c
}

// --------------------------------------------------------------------------
// Room Identifier
// --------------------------------------------------------------------------

// MaxRoomIDLength is the maximum number of characters of a room id.
const MaxRoomIDLength = 50

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateRoomID checks that id has 1 to 50 characters.
func ValidateRoomID(id string) error {
	if err := validate.Var(id, "required,min=1,max=50"); err != nil {
		return syncerr.Newf(syncerr.KindRoomIdInvalid, "room id must have 1 to %d characters", MaxRoomIDLength)
	}
	return nil
}
