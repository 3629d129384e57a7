// Package adb discovers locally attached Android devices for the registry.
package adb

import (
	"context"
	"sort"
	"strings"

	devicekeeper "github.com/httprunner/DeviceKeeper"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SerialPlaceholder is replaced with the adb serial inside endpoint templates.
const SerialPlaceholder = "{serial}"

// deviceLister is the part of gadb.Client the provider needs.
type deviceLister interface {
	DeviceList() ([]*gadb.Device, error)
}

// Provider lists adb devices through gadb.
type Provider struct {
	client deviceLister
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: &client}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDevicesWithState returns device serials with their raw gadb state names.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if p == nil || p.client == nil {
		return nil, errors.New("adb provider is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

// Discover returns one descriptor per online serial, sorted, with the endpoint
// rendered from template ({serial} and {api_key} are substituted).
func (p *Provider) Discover(ctx context.Context, template, apiKey string) ([]devicekeeper.Device, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return nil, errors.New("adb discover: endpoint template is empty")
	}
	states, err := p.ListDevicesWithState(ctx)
	if err != nil {
		return nil, err
	}
	return devicesFromStates(states, template, apiKey), nil
}

func devicesFromStates(states map[string]string, template, apiKey string) []devicekeeper.Device {
	serials := make([]string, 0, len(states))
	for serial, state := range states {
		if state != string(gadb.StateOnline) {
			log.Info().Str("serial", serial).Str("state", state).Msg("adb discover: skip device not online")
			continue
		}
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	out := make([]devicekeeper.Device, 0, len(serials))
	for _, serial := range serials {
		endpoint := strings.ReplaceAll(template, SerialPlaceholder, serial)
		out = append(out, devicekeeper.Device{
			ID:       serial,
			Endpoint: devicekeeper.ExpandEndpoint(endpoint, apiKey),
		})
	}
	return out
}
