package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// All entity identifiers are 128-bit opaque values. Organization IDs are the
// one exception: they appear in URLs and are human-chosen short names.
type (
	UserID             = uuid.UUID
	RealmID            = uuid.UUID
	VlobID             = uuid.UUID
	BlockID            = uuid.UUID
	InvitationToken    = uuid.UUID
	GreetingAttemptID  = uuid.UUID
	SequesterServiceID = uuid.UUID
	EnrollmentID       = uuid.UUID
)

type OrganizationID string

var organizationIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

func (id OrganizationID) Validate() error {
	if !organizationIDRegex.MatchString(string(id)) {
		return fmt.Errorf("invalid organization id: %q", id)
	}
	return nil
}

// DeviceID identifies a device as the pair (user, device name). A device is
// bound to exactly one user and its keys are immutable.
type DeviceID struct {
	UserID UserID `cbor:"user_id" json:"user_id"`
	Name   string `cbor:"name" json:"name"`
}

func (d DeviceID) String() string {
	return d.UserID.String() + "@" + d.Name
}

func ParseDeviceID(s string) (DeviceID, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 || parts[1] == "" {
		return DeviceID{}, fmt.Errorf("invalid device id: %q", s)
	}
	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return DeviceID{}, fmt.Errorf("invalid device id: %q", s)
	}
	return DeviceID{UserID: userID, Name: parts[1]}, nil
}

// Timestamp is microseconds since the Unix epoch, UTC. The zero value means
// unset.
type Timestamp int64

func Now() Timestamp {
	return Timestamp(time.Now().UnixMicro())
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t)).UTC()
}

func (t Timestamp) IsZero() bool {
	return t == 0
}

func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Microseconds())
}

func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}
