package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Capability is a single device capability flag.
type Capability uint16

const (
	CapSwitch Capability = 1 << iota
	CapSwitchLevel
	CapColorControl
	CapColorTemperature
	CapColorMode
)

// capabilityNames maps Maker API capability identifiers to flags.
// Capabilities outside this set are ignored.
var capabilityNames = map[string]Capability{
	"Switch":           CapSwitch,
	"SwitchLevel":      CapSwitchLevel,
	"ColorControl":     CapColorControl,
	"ColorTemperature": CapColorTemperature,
	"ColorMode":        CapColorMode,
}

// CapabilitySet is a static set of capabilities resolved at device parse time.
type CapabilitySet uint16

// Has returns true if the set contains the capability.
func (s CapabilitySet) Has(c Capability) bool {
	return CapabilitySet(c)&s != 0
}

// Add adds a capability to the set.
func (s *CapabilitySet) Add(c Capability) {
	*s |= CapabilitySet(c)
}

// String returns a human-readable list of capabilities.
func (s CapabilitySet) String() string {
	var names []string
	for name, c := range capabilityNames {
		if s.Has(c) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	// Stable order for logs
	for i := 0; i < len(names)-1; i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	return strings.Join(names, ",")
}

// Device is a point-in-time snapshot of a hub device: identity, capability
// set and current attribute values.
type Device struct {
	ID           string
	Label        string
	Capabilities CapabilitySet

	attrs map[string]any
}

// Attribute returns the string form of an attribute value.
// The second return is false if the attribute is absent or null.
func (d *Device) Attribute(name string) (string, bool) {
	v, ok := d.attrs[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// AttributeInt returns an attribute value as an integer.
// The second return is false if the attribute is absent or not numeric.
func (d *Device) AttributeInt(name string) (int, bool) {
	v, ok := d.attrs[name]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return int(f), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

// HasAttribute returns true if the device reports the attribute at all.
func (d *Device) HasAttribute(name string) bool {
	_, ok := d.attrs[name]
	return ok
}

// NewDevice builds a device snapshot directly from known values.
// Numeric attribute values should be int, float64 or json.Number.
func NewDevice(id, label string, caps CapabilitySet, attrs map[string]any) *Device {
	normalized := make(map[string]any, len(attrs))
	for name, v := range attrs {
		switch t := v.(type) {
		case int:
			normalized[name] = json.Number(strconv.Itoa(t))
		case float64:
			normalized[name] = json.Number(strconv.FormatFloat(t, 'f', -1, 64))
		default:
			normalized[name] = v
		}
	}
	return &Device{
		ID:           id,
		Label:        label,
		Capabilities: caps,
		attrs:        normalized,
	}
}

// deviceJSON is the Maker API wire format for a single device.
type deviceJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Label      string `json:"label"`
	Attributes []struct {
		Name         string `json:"name"`
		CurrentValue any    `json:"currentValue"`
	} `json:"attributes"`
	// capabilities is a mixed array of strings and nested attribute objects
	Capabilities []json.RawMessage `json:"capabilities"`
}

// ParseDevice decodes a Maker API device payload into a Device snapshot.
func ParseDevice(data []byte) (*Device, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw deviceJSON
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode device: %w", err)
	}

	dev := &Device{
		ID:    raw.ID,
		Label: raw.Label,
		attrs: make(map[string]any, len(raw.Attributes)),
	}
	if dev.Label == "" {
		dev.Label = raw.Name
	}

	for _, attr := range raw.Attributes {
		// Last writer wins; Maker API may report an attribute per capability
		dev.attrs[attr.Name] = attr.CurrentValue
	}

	for _, rawCap := range raw.Capabilities {
		var name string
		if err := json.Unmarshal(rawCap, &name); err != nil {
			// Nested capability-attribute objects, not needed here
			continue
		}
		if c, ok := capabilityNames[name]; ok {
			dev.Capabilities.Add(c)
		}
	}

	return dev, nil
}
