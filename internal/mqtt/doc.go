// Package mqtt mirrors parley's operational events to an MQTT broker and
// presents the process to Home Assistant as a device with a handful of
// diagnostic sensors.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes retained discovery configs and an "online" birth message; a
// will message flips availability to "offline" on unexpected
// disconnects. Every event on the bus is forwarded as JSON to
// parley/<device>/events/<kind>, with the dots in the kind turned into
// topic levels.
package mqtt
