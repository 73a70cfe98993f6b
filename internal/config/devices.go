package config

import (
	"fmt"
	"path/filepath"

	"github.com/aircast-bridge/aircast/internal/models"
)

// ResolveDevices resolves the configured device list into immutable Device values.
// Ports default to the configured bases plus the device index and the pipe
// path defaults to <pipe_dir>/shairport_<slug>.pipe.
func (c *Config) ResolveDevices() ([]models.Device, error) {
	out := make([]models.Device, 0, len(c.Devices))
	receiverPorts := make(map[int]string)
	streamPorts := make(map[int]string)
	slugs := make(map[string]string)
	pipes := make(map[string]string)

	for i, dc := range c.Devices {
		d := models.Device{
			ID:           dc.ID,
			Name:         dc.Name,
			Index:        i,
			ReceiverPort: dc.ReceiverPort,
			StreamPort:   dc.StreamPort,
			PipePath:     dc.PipePath,
		}
		if d.Name == "" {
			d.Name = dc.ID
		}
		if d.ReceiverPort == 0 {
			d.ReceiverPort = c.Receiver.PortBase + i
		}
		if d.StreamPort == 0 {
			d.StreamPort = c.Stream.PortBase + i
		}
		if d.PipePath == "" {
			d.PipePath = filepath.Join(c.PipeDir, "shairport_"+models.Slug(dc.ID)+".pipe")
		}

		slug := models.Slug(d.ID)
		if other, ok := slugs[slug]; ok {
			return nil, fmt.Errorf("device %s: id collides with %s (both map to %q)", d.ID, other, slug)
		}
		pipe := filepath.Clean(d.PipePath)
		if other, ok := pipes[pipe]; ok {
			return nil, fmt.Errorf("device %s: pipe %s already used by %s", d.ID, pipe, other)
		}
		if other, ok := receiverPorts[d.ReceiverPort]; ok {
			return nil, fmt.Errorf("device %s: receiver port %d already used by %s", d.ID, d.ReceiverPort, other)
		}
		if other, ok := streamPorts[d.StreamPort]; ok {
			return nil, fmt.Errorf("device %s: stream port %d already used by %s", d.ID, d.StreamPort, other)
		}
		receiverPorts[d.ReceiverPort] = d.ID
		streamPorts[d.StreamPort] = d.ID
		slugs[slug] = d.ID
		pipes[pipe] = d.ID
		out = append(out, d)
	}
	return out, nil
}
