// Package clock is the gateway's shared source of time and identity.
// Components that are handed a Clock (registry, room, instance, push, the
// hub) read "now" and mint ids through it; other code paths, such as bus
// envelope timestamps, batch and load timing, and the ping handler, still
// call time.Now directly.
package clock

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock provides monotonic-safe time and collision-free identifiers. The
// zero value is ready to use; a Clock is safe for concurrent use.
type Clock struct {
	instanceID string
	once       sync.Once
}

// New returns a Clock whose instance id is stable for the lifetime of the
// returned value. Pass an explicit id (e.g. from the INSTANCE_ID
// environment variable) to make it deterministic across restarts behind a
// fixed hostname; pass "" to generate one.
func New(instanceID string) *Clock {
	c := &Clock{}
	if instanceID != "" {
		c.instanceID = instanceID
	} else {
		c.instanceID = generateInstanceID()
	}
	return c
}

func generateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Now returns the current wall-clock time in UTC.
func (c *Clock) Now() time.Time {
	return time.Now().UTC()
}

// NowMillis returns the current time as Unix milliseconds.
func (c *Clock) NowMillis() int64 {
	return c.Now().UnixMilli()
}

// NowISO returns the current time formatted as an RFC3339 (ISO-8601)
// timestamp.
func (c *Clock) NowISO() string {
	return c.Now().Format(time.RFC3339)
}

// NewID returns a new collision-free opaque identifier, suitable for socket
// ids, request ids, and message ids alike.
func (c *Clock) NewID() string {
	return uuid.NewString()
}

// InstanceID returns the identifier stable for this process's lifetime.
func (c *Clock) InstanceID() string {
	c.once.Do(func() {
		if c.instanceID == "" {
			c.instanceID = generateInstanceID()
		}
	})
	return c.instanceID
}
