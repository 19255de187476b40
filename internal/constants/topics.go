package constants

import "fmt"

// DeviceDataTopic is the broker topic pattern a device publishes telemetry on.
const DeviceDataTopic = "device/%s/data"

// DeviceChannel is the per-device channel name live events are fanned out on.
const DeviceChannel = "device:%s"

// TopicForDevice returns the broker topic for a device's telemetry stream.
func TopicForDevice(deviceID string) string {
	return fmt.Sprintf(DeviceDataTopic, deviceID)
}

// ChannelForDevice returns the live fan-out channel name for a device.
func ChannelForDevice(deviceID string) string {
	return fmt.Sprintf(DeviceChannel, deviceID)
}
