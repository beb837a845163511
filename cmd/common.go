// Package cmd holds the dependency wiring shared by the loop and
// force-redump subcommands. Grounded on the teacher's cmd/common.go: a small
// file of helpers imported by each subcommand package, not a command itself.
package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/pathwar/pathwar-hypervisor/internal/config"
	"github.com/pathwar/pathwar-hypervisor/internal/driver"
	"github.com/pathwar/pathwar-hypervisor/internal/inventory"
	"github.com/pathwar/pathwar-hypervisor/internal/model"
	"github.com/pathwar/pathwar-hypervisor/internal/pool"
	"github.com/pathwar/pathwar-hypervisor/internal/sink"
	"github.com/pathwar/pathwar-hypervisor/internal/sshtransport"
	"github.com/pathwar/pathwar-hypervisor/internal/utils"
)

// Bootstrap builds the full dependency graph shared by both run modes: one
// ShellTransport and HostDriver per configured host, a Pool over them, an
// InventoryClient and a Sink. cfg is read once by config.Load and passed
// explicitly from this point on.
func Bootstrap(cfg *config.Config, logger hclog.Logger) (*pool.Pool, *inventory.Client, sink.Sink, error) {
	// connectedTransports tracks every transport opened so far so a later
	// host's connection failure doesn't leak the earlier ones.
	connectedTransports := utils.NewDefers()

	var hosts []*driver.HostDriver
	for _, hostString := range cfg.DockerPool {
		host := model.NewHost(hostString)

		transport, err := sshtransport.Connect(sshtransport.Config{
			User:           sshUserFromHost(hostString),
			Host:           host.IP,
			PrivateKeyPath: cfg.SSHPrivateKeyPath,
		}, logger)
		if err != nil {
			connectedTransports.CallAll()
			return nil, nil, nil, errors.Wrapf(err, "failed connecting to host %s", hostString)
		}
		connectedTransports.Add(func() { transport.Close() })

		d := driver.New(host, transport, driver.Options{
			IngressHTTPPort: cfg.HTTPLevelPort,
			AuthProxyIP:     cfg.AuthProxyIP,
		}, logger)
		hosts = append(hosts, d)
	}

	p := pool.New(hosts, logger)
	inv := inventory.New(cfg.APIEndpoint, logger)
	errSink, err := sink.New(cfg.SentryURL, logger)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed constructing error sink")
	}

	return p, inv, errSink, nil
}

func sshUserFromHost(hostString string) string {
	for i := len(hostString) - 1; i >= 0; i-- {
		if hostString[i] == '@' {
			return hostString[:i]
		}
	}
	return "root"
}
