// Package mqtt bridges parley to an MQTT broker.
//
// The bridge forwards every event-bus event as JSON to
// <base_topic>/events/<source>/<kind>, keeps a retained availability
// topic with an "offline" will message, and periodically publishes
// runtime sensor states. With a discovery prefix configured, the sensors
// are announced through Home Assistant MQTT discovery.
//
// When the inbox is enabled the bridge is also a chat channel: inbound
// envelopes published to <base_topic>/inbox are answered on
// <base_topic>/outbox/<user_id>.
//
// Connection management uses Eclipse Paho v2's [autopaho] package, which
// reconnects automatically. Availability, discovery and the inbox
// subscription are re-established on every (re-)connect.
package mqtt
