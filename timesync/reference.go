package timesync

import (
	"fmt"

	"ndi.dev/core/epoch"
	"ndi.dev/core/ndierr"
)

// Referent is the live object a time value is measured against, typically
// an epoch.Set (a DAQ system, probe, or element).
type Referent interface {
	Name() string
}

// TimeReference pins a time value to a (referent, clock, epoch) frame. The
// epoch id is required exactly when the clock is epoch-local.
type TimeReference struct {
	Referent Referent
	Clock    epoch.ClockType
	EpochID  string
	Time     float64
}

// NewTimeReference validates the epoch-id requirement for the clock type.
func NewTimeReference(referent Referent, clock epoch.ClockType, epochID string, t float64) (*TimeReference, error) {
	if referent == nil {
		return nil, ndierr.New(ndierr.BadArgument, "time reference requires a referent")
	}
	if clock.NeedsEpoch() && epochID == "" {
		return nil, ndierr.Newf(ndierr.BadArgument,
			"clock %s requires an epoch id", clock)
	}
	return &TimeReference{Referent: referent, Clock: clock, EpochID: epochID, Time: t}, nil
}

// TimeReferenceRecord is the struct-of-strings serialized form: the live
// referent is dropped and only its name and Go type are kept.
type TimeReferenceRecord struct {
	ReferentName  string  `json:"referent_name"`
	ReferentClass string  `json:"referent_class"`
	ClockType     string  `json:"clock_type"`
	EpochID       string  `json:"epoch_id,omitempty"`
	Time          float64 `json:"time"`
}

// Record produces the serializable form of r.
func (r *TimeReference) Record() TimeReferenceRecord {
	return TimeReferenceRecord{
		ReferentName:  r.Referent.Name(),
		ReferentClass: fmt.Sprintf("%T", r.Referent),
		ClockType:     string(r.Clock),
		EpochID:       r.EpochID,
		Time:          r.Time,
	}
}
