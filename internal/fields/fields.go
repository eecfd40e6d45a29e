// Package fields implements the uniform field accessor that spec.md's
// design notes call for: predicate matching and target-field injection
// must be derived from the MAVLink schema via reflection, not from a
// per-message-type switch statement.
package fields

import (
	"reflect"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// Get returns the exported field named name on msg (a pointer to a
// gomavlib-generated message struct), and whether it exists.
func Get(msg message.Message, name string) (interface{}, bool) {
	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, false
	}
	v = v.Elem()
	f := v.FieldByName(name)
	if !f.IsValid() {
		return nil, false
	}
	return f.Interface(), true
}

// Equals reports whether field name on msg equals expected. A []byte
// expected value is compared against the field's string form, since the
// MAVLink codec never yields raw bytes for textual fields (spec.md §4.3).
func Equals(msg message.Message, name string, expected interface{}) bool {
	actual, ok := Get(msg, name)
	if !ok {
		return false
	}

	if raw, isBytes := expected.([]byte); isBytes {
		s, isString := actual.(string)
		return isString && s == string(raw)
	}

	return reflect.DeepEqual(actual, expected)
}

// SetTargetFields injects target_system/target_component into msg's
// TargetSystem/TargetComponent fields when present, implementing the
// generic mutation spec.md §4.6 step 1 requires before a targeted send.
// Messages that carry no such fields (e.g. HEARTBEAT) are left untouched.
func SetTargetFields(msg message.Message, systemID, componentID uint8) {
	setUint8(msg, "TargetSystem", systemID)
	setUint8(msg, "TargetComponent", componentID)
}

func setUint8(msg message.Message, name string, value uint8) {
	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return
	}
	f := v.Elem().FieldByName(name)
	if f.IsValid() && f.CanSet() && f.Kind() == reflect.Uint8 {
		f.SetUint(uint64(value))
	}
}
