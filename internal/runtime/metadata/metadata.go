// Package metadata names the message headers a job carries next to its
// encoded envelope, so consumers can route and filter without decoding.
package metadata

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/Workana/li3-gearman/transport"
)

// Header keys.
const (
	Action        = "gearman_action"
	Config        = "gearman_config"
	Codec         = "gearman_codec"
	EnqueuedAt    = "gearman_enqueued_at"
	RunAt         = transport.MetadataRunAt
	CorrelationID = "correlation_id"
)

// Metadata represents the headers carried alongside a job.
type Metadata map[string]string

// Clone returns a shallow copy; never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing key=value. Empty values are skipped.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// WithTime stores t as Unix milliseconds. The zero time is skipped.
func (m Metadata) WithTime(key string, t time.Time) Metadata {
	if t.IsZero() {
		return m.Clone()
	}
	return m.With(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// Time reads a header written by WithTime.
func (m Metadata) Time(key string) (time.Time, bool) {
	raw, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// FromWatermill copies Watermill metadata.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// ToWatermill copies metadata into a Watermill map.
func ToWatermill(m Metadata) message.Metadata {
	return message.Metadata(m.Clone())
}
