package hub

import "testing"

const sampleDevice = `{
	"id": "101",
	"name": "Group Dimmer",
	"label": "Kitchen Lights",
	"attributes": [
		{"name": "switch", "currentValue": "on", "dataType": "ENUM"},
		{"name": "groupState", "currentValue": "allOn", "dataType": "ENUM"},
		{"name": "level", "currentValue": 80, "dataType": "NUMBER"},
		{"name": "colorTemperature", "currentValue": 2700, "dataType": "NUMBER"},
		{"name": "hue", "currentValue": null, "dataType": "NUMBER"}
	],
	"capabilities": [
		"Switch",
		{"attributes": [{"name": "switch", "dataType": null}]},
		"SwitchLevel",
		"ColorTemperature",
		"Refresh"
	]
}`

func TestParseDevice(t *testing.T) {
	dev, err := ParseDevice([]byte(sampleDevice))
	if err != nil {
		t.Fatalf("ParseDevice: %v", err)
	}

	if dev.ID != "101" {
		t.Errorf("ID = %q, want 101", dev.ID)
	}
	if dev.Label != "Kitchen Lights" {
		t.Errorf("Label = %q, want Kitchen Lights", dev.Label)
	}

	for _, c := range []Capability{CapSwitch, CapSwitchLevel, CapColorTemperature} {
		if !dev.Capabilities.Has(c) {
			t.Errorf("capability %v missing from set %v", c, dev.Capabilities)
		}
	}
	if dev.Capabilities.Has(CapColorControl) || dev.Capabilities.Has(CapColorMode) {
		t.Errorf("unexpected color capabilities in %v", dev.Capabilities)
	}
}

func TestParseDevice_Attributes(t *testing.T) {
	dev, err := ParseDevice([]byte(sampleDevice))
	if err != nil {
		t.Fatalf("ParseDevice: %v", err)
	}

	if v, ok := dev.Attribute("switch"); !ok || v != "on" {
		t.Errorf("switch = %q/%v, want on/true", v, ok)
	}
	if v, ok := dev.Attribute("groupState"); !ok || v != "allOn" {
		t.Errorf("groupState = %q/%v, want allOn/true", v, ok)
	}
	if v, ok := dev.AttributeInt("level"); !ok || v != 80 {
		t.Errorf("level = %d/%v, want 80/true", v, ok)
	}
	if v, ok := dev.AttributeInt("colorTemperature"); !ok || v != 2700 {
		t.Errorf("colorTemperature = %d/%v, want 2700/true", v, ok)
	}

	// Null attribute reports present but has no value
	if !dev.HasAttribute("hue") {
		t.Error("hue should be a known attribute")
	}
	if _, ok := dev.Attribute("hue"); ok {
		t.Error("null hue should have no string value")
	}

	if dev.HasAttribute("groupSize") {
		t.Error("groupSize should be unknown")
	}
}

func TestCapabilitySetString(t *testing.T) {
	var s CapabilitySet
	if s.String() != "none" {
		t.Errorf("empty set String() = %q, want none", s.String())
	}

	s.Add(CapSwitchLevel)
	s.Add(CapColorMode)
	if s.String() != "ColorMode,SwitchLevel" {
		t.Errorf("String() = %q, want ColorMode,SwitchLevel", s.String())
	}
}
