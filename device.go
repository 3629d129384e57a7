package devicekeeper

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// APIKeyPlaceholder is replaced with the configured credential inside registry endpoints.
const APIKeyPlaceholder = "{api_key}"

// Device describes one remote, exclusively-lockable device.
type Device struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

// Registry is the fixed, ordered set of devices known at startup.
type Registry struct {
	devices []Device
	byID    map[string]int
}

// NewRegistry validates the descriptors and freezes them in the given order.
func NewRegistry(devices []Device) (*Registry, error) {
	reg := &Registry{
		devices: make([]Device, 0, len(devices)),
		byID:    make(map[string]int, len(devices)),
	}
	for i, d := range devices {
		d.ID = strings.TrimSpace(d.ID)
		d.Endpoint = strings.TrimSpace(d.Endpoint)
		if d.ID == "" {
			return nil, errors.Errorf("registry: device #%d has empty id", i+1)
		}
		if d.Endpoint == "" {
			return nil, errors.Errorf("registry: device %s has empty endpoint", d.ID)
		}
		if _, dup := reg.byID[d.ID]; dup {
			return nil, errors.Errorf("registry: duplicate device id %s", d.ID)
		}
		reg.byID[d.ID] = len(reg.devices)
		reg.devices = append(reg.devices, d)
	}
	return reg, nil
}

// Devices returns a copy of the descriptors in registration order.
func (r *Registry) Devices() []Device {
	if r == nil {
		return nil
	}
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Len reports the number of registered devices.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.devices)
}

// Lookup finds a device by id.
func (r *Registry) Lookup(id string) (Device, bool) {
	if r == nil {
		return Device{}, false
	}
	idx, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Device{}, false
	}
	return r.devices[idx], true
}

type registryFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadRegistryFile reads a YAML registry and expands {api_key} placeholders in endpoints.
func LoadRegistryFile(path, apiKey string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("registry: file path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: read %s", path)
	}
	return ParseRegistry(raw, apiKey)
}

// ParseRegistry decodes a YAML registry document.
func ParseRegistry(raw []byte, apiKey string) (*Registry, error) {
	var doc registryFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "registry: decode yaml")
	}
	for i := range doc.Devices {
		doc.Devices[i].Endpoint = ExpandEndpoint(doc.Devices[i].Endpoint, apiKey)
	}
	return NewRegistry(doc.Devices)
}

// ExpandEndpoint substitutes the API key placeholder.
func ExpandEndpoint(endpoint, apiKey string) string {
	return strings.ReplaceAll(endpoint, APIKeyPlaceholder, apiKey)
}
