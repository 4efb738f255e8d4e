package mqtt

import "github.com/nugget/parley/internal/buildinfo"

// DeviceInfo is the Home Assistant device block shared by every
// discovered sensor so they group under one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the retained discovery payload for one sensor.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo builds the device block from the persistent instance ID
// and the configured device name.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "parley",
		Model:        "Parley Agent",
		SWVersion:    buildinfo.Version,
	}
}

type sensorDef struct {
	entity string
	config SensorConfig
}

// sensorDefinitions lists the sensors published by the state loop.
func (b *Bridge) sensorDefinitions() []sensorDef {
	def := func(entity, name, icon string) sensorDef {
		return sensorDef{entity: entity, config: SensorConfig{
			Name:              b.device.Name + " " + name,
			UniqueID:          b.instanceID + "_" + entity,
			StateTopic:        b.stateTopic(entity),
			AvailabilityTopic: b.availabilityTopic(),
			Device:            b.device,
			Icon:              icon,
		}}
	}

	uptime := def("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"
	version := def("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"
	model := def("model", "Model", "mdi:brain")
	model.config.EntityCategory = "diagnostic"
	users := def("cached_users", "Cached Users", "mdi:account-multiple")
	users.config.StateClass = "measurement"
	turns := def("turns_today", "Turns Today", "mdi:chat-processing")
	turns.config.StateClass = "total_increasing"
	tokens := def("tokens_today", "Tokens Today", "mdi:counter")
	tokens.config.StateClass = "total_increasing"
	tokens.config.UnitOfMeasurement = "tokens"
	last := def("last_request", "Last Request", "mdi:clock-check")
	last.config.EntityCategory = "diagnostic"

	return []sensorDef{uptime, version, model, users, turns, tokens, last}
}
