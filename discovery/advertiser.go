// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"github.com/grandcat/zeroconf"

	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

// AdvertiseOptions describes the websocket endpoint to announce.
type AdvertiseOptions struct {
	Instance    string
	ServiceType string
	Domain      string
	Port        int
	Path        string
	Format      string
	DeviceID    string
}

// TXT returns the TXT records announced for opts.
func (o AdvertiseOptions) TXT() []string {
	path := o.Path
	if path == "" {
		path = "/"
	}
	txt := []string{txtPath + "=" + path}
	if o.Format != "" {
		txt = append(txt, txtFormat+"="+o.Format)
	}
	if o.DeviceID != "" {
		txt = append(txt, txtDevice+"="+o.DeviceID)
	}
	return txt
}

// Advertiser announces the stream server on the local network.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the service on all interfaces until Shutdown.
func Advertise(opts AdvertiseOptions) (*Advertiser, error) {
	if opts.ServiceType == "" {
		opts.ServiceType = DefaultServiceType
	}
	if opts.Domain == "" {
		opts.Domain = "local."
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, errors.NewValidationError("port", opts.Port, "must be between 1 and 65535")
	}

	server, err := zeroconf.Register(opts.Instance, opts.ServiceType, opts.Domain, opts.Port, opts.TXT(), nil)
	if err != nil {
		return nil, errors.NewNetworkError("mdns register", opts.ServiceType, err)
	}

	logger.Info().
		Str("instance", opts.Instance).
		Str("service", opts.ServiceType).
		Int("port", opts.Port).
		Strs("txt", opts.TXT()).
		Msg("Advertising power stream via mDNS")
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
