// Package notify announces saved recordings to downstream consumers over MQTT.
package notify
