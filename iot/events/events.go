/*Package events defines the MQTT event types recognized by the fleet broker
and the mapping from raw topic strings to those types.

Devices publish to topics whose last segment names the event, in any
separator style, e.g. "fleet/ABC123/status" or
"fleet/ABC123/error-update-firmware-device". The last segment is normalized
(separators stripped, case folded) and resolved against the known event
types. Resolution results are memoized per segment, including misses, since
they are pure functions of the segment.
*/
package events

import (
	"strings"
	"sync"
	"unicode"
)

// Type represents a recognized MQTT event type.
type Type string

// all recognized event types
const (
	TypeStatus                    Type = "Status"
	TypeTelemetry                 Type = "Telemetry"
	TypeErrorUpdateFirmwareDevice Type = "ErrorUpdateFirmwareDevice"
)

// TypeNone is returned when a topic segment does not map to any event type.
const TypeNone Type = ""

var knownTypes = map[string]Type{
	strings.ToLower(string(TypeStatus)):                    TypeStatus,
	strings.ToLower(string(TypeTelemetry)):                 TypeTelemetry,
	strings.ToLower(string(TypeErrorUpdateFirmwareDevice)): TypeErrorUpdateFirmwareDevice,
}

// cache memoizes normalized segment -> Type, misses included.
// Entries are pure functions of the segment, so there is no teardown.
var cache sync.Map

// NormalizeSegment turns a topic segment into its canonical form: the
// segment is split on '-' and '_' and the parts are concatenated with the
// first letter upper-cased and the rest lower-cased, e.g.
// "error-update-firmware-device" becomes "ErrorUpdateFirmwareDevice".
func NormalizeSegment(segment string) string {
	parts := strings.FieldsFunc(segment, func(r rune) bool {
		return r == '-' || r == '_'
	})
	var b strings.Builder
	for _, part := range parts {
		runes := []rune(part)
		b.WriteRune(unicode.ToUpper(runes[0]))
		b.WriteString(strings.ToLower(string(runes[1:])))
	}
	return b.String()
}

// Resolve maps a full topic to its event type by looking at the last
// '/'-delimited segment. The second return value is false if the segment
// does not name a recognized event type.
func Resolve(topic string) (Type, bool) {
	segment := topic
	if idx := strings.LastIndexByte(topic, '/'); idx >= 0 {
		segment = topic[idx+1:]
	}
	key := strings.ToLower(NormalizeSegment(segment))

	if cached, ok := cache.Load(key); ok {
		t := cached.(Type)
		return t, t != TypeNone
	}

	t, ok := knownTypes[key]
	if !ok {
		t = TypeNone
	}
	cache.LoadOrStore(key, t)
	return t, ok
}
