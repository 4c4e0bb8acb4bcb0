package main

import (
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-elm327-diag/internal/elm"
)

// mdnsServiceType is the service type Wi-Fi ELM327 apps browse for.
const mdnsServiceType = "_elm327._tcp"

// startMDNS registers the bridge via mDNS and returns a cleanup function.
func startMDNS(cfg *appConfig, port int, adapter string) (func(), error) {
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("elm-diag-%s", host)
	}
	meta := []string{
		"adapter=" + adapter,
		"protocol=" + elm.ProtocolName(cfg.protocol),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return func() { svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
