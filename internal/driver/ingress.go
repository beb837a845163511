package driver

import (
	"fmt"
	"os"
	"path"
)

const ingressDir = "hypervisor-nginx-proxy"

const ingressComposeTemplate = `services:
  nginx-proxy:
    image: jwilder/nginx-proxy:latest
    restart: always
    ports:
      - "%d:80"
    volumes:
      - /var/run/docker.sock:/tmp/docker.sock:ro
      - ./vhost.d:/etc/nginx/vhost.d
    environment:
      HTTPS_METHOD: noredirect
`

const ingressAccessTemplate = `allow %s;
deny all;
proxy_set_header Authorization "";
`

// EnsureIngress uploads the ingress proxy's compose descriptor and access
// rule file to the host and brings the stack up, per §4.2. Failure is
// logged by the caller and swallowed: the HostDriver remains usable for
// reconciliation either way.
func (d *HostDriver) EnsureIngress() error {
	composeContent := fmt.Sprintf(ingressComposeTemplate, d.ingressHTTPPort)
	accessContent := fmt.Sprintf(ingressAccessTemplate, d.authProxyIP)

	if err := d.uploadContent(composeContent, path.Join(ingressDir, "docker-compose.yml")); err != nil {
		return err
	}
	if err := d.uploadContent(accessContent, path.Join(ingressDir, "vhost.d", "DEFAULT")); err != nil {
		return err
	}

	if _, err := d.transport.RunChecked(fmt.Sprintf("cd '%s' && docker-compose up -d", ingressDir)); err != nil {
		return err
	}
	return nil
}

// uploadContent stages content in a local temporary file and uploads it,
// guaranteeing the temporary file is removed on every exit path (§5
// "Scoped resources").
func (d *HostDriver) uploadContent(content, remotePath string) error {
	tmp, err := os.CreateTemp("", "hypervisor-upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.WriteString(content); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return d.transport.Upload(tmp.Name(), remotePath)
}
