// Package driver implements HostDriver (§4.2): all per-host operations —
// ingress bootstrap, provisioning, teardown and inspection — driven over a
// ShellTransport. It is the largest component of the hypervisor (45% share
// per §2) and is grounded on the teacher's build-over-SSH flow in
// pkg/remote and pkg/containers, generalized from "bootstrap one VMM" to
// "reconcile one instance's container stack on one host, repeatedly".
package driver

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/pathwar/pathwar-hypervisor/internal/compose"
	"github.com/pathwar/pathwar-hypervisor/internal/model"
	"github.com/pathwar/pathwar-hypervisor/internal/sshtransport"
)

// LevelTypeWeb and LevelTypeUnix are the two recognized PWR_LEVEL_TYPE
// values, per §4.2 step 6.
const (
	LevelTypeWeb  = "web"
	LevelTypeUnix = "unix"
)

var imageForServicePattern = regexp.MustCompile(`^image-for-(.+)$`)

// HostDriver owns one Host and drives it over a ShellTransport.
type HostDriver struct {
	host      model.Host
	transport sshtransport.Transport
	logger    hclog.Logger

	ingressHTTPPort int
	authProxyIP     string
}

// Options configures ingress bootstrap for a new HostDriver.
type Options struct {
	IngressHTTPPort int
	AuthProxyIP     string
}

// New constructs a HostDriver and bootstraps the ingress proxy, per §4.2
// ("called at construction"). Ingress failures are logged and swallowed;
// the returned driver is always usable for reconciliation.
func New(host model.Host, transport sshtransport.Transport, opts Options, logger hclog.Logger) *HostDriver {
	d := &HostDriver{
		host:            host,
		transport:       transport,
		logger:          logger.Named("host-driver").With("host", host.HostString),
		ingressHTTPPort: opts.IngressHTTPPort,
		authProxyIP:     opts.AuthProxyIP,
	}
	if err := d.EnsureIngress(); err != nil {
		d.logger.Warn("ingress bootstrap failed, continuing without guaranteed ingress", "reason", err)
	}
	return d
}

// Host returns the host this driver owns.
func (d *HostDriver) Host() model.Host { return d.host }

func (d *HostDriver) levelDir(id string) string {
	return path.Join("levels", id)
}

// ListRunningIDs lists running containers on the host and extracts the
// instance UUIDs embedded in their names, per §4.2 and §6.
func (d *HostDriver) ListRunningIDs() (map[string]struct{}, error) {
	result, err := d.transport.RunChecked("docker ps --format '{{.Names}}'")
	if err != nil {
		return nil, errors.Wrap(err, "failed listing running containers")
	}
	ids := map[string]struct{}{}
	for _, line := range splitNonEmptyLines(result.Stdout) {
		if id, ok := ExtractUUID(line); ok {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// Create idempotently provisions instance id from tarballURL, per §4.2.
func (d *HostDriver) Create(id, tarballURL string) (bool, error) {
	logger := d.logger.With("instance", id)
	digest := Fingerprint(tarballURL)
	cachePath := fmt.Sprintf("/tmp/%s", digest)
	levelDir := d.levelDir(id)
	sourcePath := path.Join(levelDir, "source")
	rebuildPath := path.Join(levelDir, "REBUILD")
	composePath := path.Join(levelDir, "docker-compose.yml")

	exists, err := d.remoteFileExists(cachePath)
	if err != nil {
		return false, errors.Wrap(err, "failed checking tarball cache")
	}
	if !exists {
		logger.Debug("downloading tarball", "url", tarballURL)
		if _, err := d.transport.RunChecked(fmt.Sprintf("curl -fsSL '%s' -o '%s'", tarballURL, cachePath)); err != nil {
			return false, errors.Wrap(err, "failed downloading tarball")
		}
	}

	currentSource, _ := d.readRemoteFile(sourcePath)
	if strings.TrimSpace(currentSource) != digest {
		logger.Debug("extracting tarball, source changed", "previous", currentSource, "new", digest)
		if _, err := d.transport.RunChecked(fmt.Sprintf("mkdir -p '%s'", levelDir)); err != nil {
			return false, errors.Wrap(err, "failed creating level directory")
		}
		if _, err := d.transport.RunChecked(fmt.Sprintf("tar -xzf '%s' -C '%s'", cachePath, levelDir)); err != nil {
			return false, errors.Wrap(err, "failed extracting tarball")
		}
		if err := d.writeRemoteFile(digest, sourcePath); err != nil {
			return false, errors.Wrap(err, "failed writing source marker")
		}
		if _, err := d.transport.RunChecked(fmt.Sprintf("touch '%s'", rebuildPath)); err != nil {
			return false, errors.Wrap(err, "failed creating REBUILD sentinel")
		}
	}

	composeContent, err := d.readRemoteFile(composePath)
	if err != nil {
		return false, errors.Wrap(err, "failed reading docker-compose.yml")
	}
	doc, err := compose.Parse([]byte(composeContent))
	if err != nil {
		return false, errors.Wrap(err, "failed parsing docker-compose.yml")
	}

	// REBUILD's presence, not any in-process flag, gates the import: if the
	// process crashed after touching it on a prior call, the next Create
	// must still see it and retry the import rather than silently dropping
	// it when the sentinel is removed below.
	needsImport, err := d.remoteFileExists(rebuildPath)
	if err != nil {
		return false, errors.Wrap(err, "failed checking REBUILD sentinel")
	}

	if needsImport {
		for _, name := range doc.ServiceNames() {
			image, ok := doc.ServiceImage(name)
			if !ok {
				continue
			}
			match := imageForServicePattern.FindStringSubmatch(image)
			if match == nil {
				continue
			}
			tarName := match[1]
			tarPath := path.Join(levelDir, tarName+".tar")
			importCmd := fmt.Sprintf("cat '%s' | docker import - '%s'", tarPath, image)
			if _, err := d.transport.RunChecked(importCmd); err != nil {
				return false, errors.Wrapf(err, "failed importing image for service %s", name)
			}
			if err := doc.EnsureVirtualHost(name, id); err != nil {
				return false, errors.Wrapf(err, "failed normalizing environment for service %s", name)
			}
		}
	}

	newComposeContent, err := doc.Marshal()
	if err != nil {
		return false, errors.Wrap(err, "failed re-marshalling docker-compose.yml")
	}
	if err := d.writeRemoteFile(string(newComposeContent), composePath); err != nil {
		return false, errors.Wrap(err, "failed writing docker-compose.yml")
	}
	if _, err := d.transport.Run(fmt.Sprintf("rm -f '%s'", rebuildPath)); err != nil {
		logger.Debug("failed removing REBUILD sentinel", "reason", err)
	}

	if _, err := d.transport.RunChecked(fmt.Sprintf("cd '%s' && docker-compose build", levelDir)); err != nil {
		return false, errors.Wrap(err, "failed building compose stack")
	}

	levelType := levelTypeFromDocument(doc)
	switch levelType {
	case LevelTypeUnix:
		firstService, ok := doc.FirstServiceName()
		if !ok {
			return false, errors.New("unix level has no services")
		}
		if _, err := d.transport.RunChecked(fmt.Sprintf("cd '%s' && docker-compose run '%s'", levelDir, firstService)); err != nil {
			return false, errors.Wrap(err, "failed running unix level service")
		}
		if _, err := d.transport.RunChecked(fmt.Sprintf("docker commit $(docker ps -lq) 'unix-%s'", id)); err != nil {
			return false, errors.Wrap(err, "failed committing unix level image")
		}
	default:
		if _, err := d.transport.RunChecked(fmt.Sprintf("cd '%s' && docker-compose up -d", levelDir)); err != nil {
			return false, errors.Wrap(err, "failed bringing up compose stack")
		}
	}

	return true, nil
}

// Destroy best-effort tears down an instance, per §4.2. It never returns
// an error to the caller: destruction is fire-and-forget.
func (d *HostDriver) Destroy(id string) {
	logger := d.logger.With("instance", id)
	levelDir := d.levelDir(id)

	levelType, err := d.GetLevelType(id)
	if err != nil {
		logger.Debug("could not determine level type before destroy", "reason", err)
		levelType = LevelTypeWeb
	}

	if levelType == LevelTypeUnix {
		killCmd := fmt.Sprintf(
			`for c in $(docker ps -q --filter "label=ssh2docker" --filter "ancestor=unix-%s"); do docker kill "$c"; done`, id)
		if _, err := d.transport.Run(killCmd); err != nil {
			logger.Debug("failed killing ssh2docker containers", "reason", err)
		}
	}

	teardownCmd := fmt.Sprintf("test -d '%s' && (cd '%s' && docker-compose kill && docker-compose rm -fv)", levelDir, levelDir)
	if _, err := d.transport.Run(teardownCmd); err != nil {
		logger.Debug("compose teardown returned an error, ignoring", "reason", err)
	}
}

// Inspect collects observed state for an instance, per §4.2. Sub-failures
// are tolerated and leave the corresponding field empty; a level type that
// cannot be determined is treated as web. The returned error is always nil.
func (d *HostDriver) Inspect(id string) (model.Level, error) {
	level := model.Level{ID: id, Address: d.host.IP}
	levelDir := d.levelDir(id)

	if source, err := d.readRemoteFile(path.Join(levelDir, "source")); err == nil {
		level.Source = strings.TrimSpace(source)
	}

	levelType, err := d.GetLevelType(id)
	if err != nil {
		levelType = LevelTypeWeb
	}

	var subErrors *multierror.Error

	switch levelType {
	case LevelTypeUnix:
		passphrases, err := d.extractPassphrases(fmt.Sprintf("unix-%s", id), true)
		if err != nil {
			subErrors = multierror.Append(subErrors, err)
		} else {
			level.Passphrases = passphrases
		}
		// dumped_at and version are left null for unix levels: the original
		// implementation never populates them for this level type either.
	default:
		result, err := d.transport.Run(fmt.Sprintf("cd '%s' && docker-compose ps -q", levelDir))
		if err != nil || result.Status != 0 {
			subErrors = multierror.Append(subErrors, errors.New("failed listing compose containers"))
			break
		}
		containerIDs := splitNonEmptyLines(result.Stdout)
		for i, containerID := range containerIDs {
			if i == 0 {
				if startedAt, err := d.containerStartedAt(containerID); err == nil {
					level.DumpedAt = startedAt
				} else {
					subErrors = multierror.Append(subErrors, err)
				}
			}
			if level.Version == "" {
				if version, err := d.extractVersion(containerID); err == nil && version != "" {
					level.Version = version
				}
			}
			if passphrases, err := d.extractPassphrases(containerID, false); err == nil {
				level.Passphrases = append(level.Passphrases, passphrases...)
			}
		}
	}

	if subErrors != nil {
		d.logger.Debug("inspect had tolerated sub-failures", "instance", id, "reason", subErrors.Error())
	}

	return level, nil
}

// GetLevelType parses the compose file and returns the first service's
// PWR_LEVEL_TYPE label, per §4.2.
func (d *HostDriver) GetLevelType(id string) (string, error) {
	composeContent, err := d.readRemoteFile(path.Join(d.levelDir(id), "docker-compose.yml"))
	if err != nil {
		return "", errors.Wrap(err, "failed reading docker-compose.yml")
	}
	doc, err := compose.Parse([]byte(composeContent))
	if err != nil {
		return "", errors.Wrap(err, "failed parsing docker-compose.yml")
	}
	return levelTypeFromDocument(doc), nil
}

func levelTypeFromDocument(doc *compose.Document) string {
	firstService, ok := doc.FirstServiceName()
	if !ok {
		return LevelTypeWeb
	}
	if levelType, ok := doc.ServiceLabel(firstService, "PWR_LEVEL_TYPE", "PATHWAR_LEVEL_TYPE"); ok && levelType != "" {
		return levelType
	}
	return LevelTypeWeb
}

func (d *HostDriver) extractPassphrases(containerRef string, runOneShot bool) ([]model.Passphrase, error) {
	cmd := fmt.Sprintf(`docker exec '%s' /bin/sh -c 'for f in /pathwar/passphrases/*; do [ -f "$f" ] && echo "$(basename "$f") $(cat "$f")"; done'`, containerRef)
	if runOneShot {
		cmd = fmt.Sprintf(`docker run --rm '%s' /bin/sh -c 'for f in /pathwar/passphrases/*; do [ -f "$f" ] && echo "$(basename "$f") $(cat "$f")"; done'`, containerRef)
	}
	result, err := d.transport.Run(cmd)
	if err != nil || result.Status != 0 {
		return nil, errors.New("failed extracting passphrases")
	}
	var passphrases []model.Passphrase
	for _, line := range splitNonEmptyLines(result.Stdout) {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		passphrases = append(passphrases, model.Passphrase{Key: parts[0], Value: parts[1]})
	}
	return passphrases, nil
}

func (d *HostDriver) extractVersion(containerID string) (string, error) {
	result, err := d.transport.Run(fmt.Sprintf(`docker exec '%s' cat /pathwar/level.yml`, containerID))
	if err != nil || result.Status != 0 {
		return "", errors.New("failed reading level.yml")
	}
	for _, line := range splitNonEmptyLines(result.Stdout) {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "version:") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "version:")), nil
		}
	}
	return "", nil
}

// containerStartedAt runs "docker inspect" over the shell transport and
// decodes its JSON output using the Docker engine API's own container
// schema (github.com/docker/docker/api/types), rather than opening a live
// client connection to a runtime that — per §1 — is only ever driven as an
// opaque command on the remote host.
func (d *HostDriver) containerStartedAt(containerID string) (time.Time, error) {
	result, err := d.transport.Run(fmt.Sprintf(`docker inspect '%s'`, containerID))
	if err != nil || result.Status != 0 {
		return time.Time{}, errors.New("failed inspecting container")
	}
	var inspected []types.ContainerJSON
	if err := json.Unmarshal([]byte(result.Stdout), &inspected); err != nil {
		return time.Time{}, errors.Wrap(err, "failed decoding docker inspect output")
	}
	if len(inspected) == 0 || inspected[0].State == nil {
		return time.Time{}, errors.New("docker inspect returned no state")
	}
	startedAt, err := time.Parse(time.RFC3339Nano, inspected[0].State.StartedAt)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed parsing StartedAt")
	}
	return startedAt, nil
}

func (d *HostDriver) remoteFileExists(remotePath string) (bool, error) {
	result, err := d.transport.Run(fmt.Sprintf("test -e '%s'", remotePath))
	if err != nil {
		return false, err
	}
	return result.Status == 0, nil
}

func (d *HostDriver) readRemoteFile(remotePath string) (string, error) {
	result, err := d.transport.RunChecked(fmt.Sprintf("cat '%s'", remotePath))
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

func (d *HostDriver) writeRemoteFile(content, remotePath string) error {
	return d.uploadContent(content, remotePath)
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
