package driver

import (
	"os"
	"strings"

	"github.com/pathwar/pathwar-hypervisor/internal/sshtransport"
)

// fakeTransport is an in-memory ShellTransport double. It understands just
// enough of the literal command shapes driver.go emits to drive Create,
// Destroy and Inspect through their real logic without a network or a
// container runtime, the same way the teacher's build tests fake
// remote.ConnectedClient.
type fakeTransport struct {
	files      map[string]string
	commands   []string
	downloads  int
	imports    int
	compose    map[string]int // command substring -> count
	nextCompose string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files:   map[string]string{},
		compose: map[string]int{},
	}
}

var _ sshtransport.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Run(cmd string) (sshtransport.Result, error) {
	f.commands = append(f.commands, cmd)

	switch {
	case strings.HasPrefix(cmd, "test -e '"):
		path := extractQuoted(cmd, "test -e '")
		if _, ok := f.files[path]; ok {
			return sshtransport.Result{Status: 0}, nil
		}
		return sshtransport.Result{Status: 1}, nil

	case strings.HasPrefix(cmd, "test -d '"):
		if strings.Contains(cmd, "docker-compose kill") {
			f.compose["teardown"]++
		}
		return sshtransport.Result{Status: 0}, nil

	case strings.HasPrefix(cmd, "curl "):
		f.downloads++
		dest := cmd[strings.LastIndex(cmd, "-o '")+4:]
		dest = strings.TrimSuffix(dest, "'")
		f.files[dest] = "tarball-bytes"
		return sshtransport.Result{Status: 0}, nil

	case strings.HasPrefix(cmd, "mkdir -p '"):
		return sshtransport.Result{Status: 0}, nil

	case strings.HasPrefix(cmd, "tar -xzf"):
		return sshtransport.Result{Status: 0}, nil

	case strings.HasPrefix(cmd, "touch '"):
		path := extractQuoted(cmd, "touch '")
		f.files[path] = ""
		return sshtransport.Result{Status: 0}, nil

	case strings.HasPrefix(cmd, "rm -f '"):
		path := extractQuoted(cmd, "rm -f '")
		delete(f.files, path)
		return sshtransport.Result{Status: 0}, nil

	case strings.Contains(cmd, "docker import"):
		f.imports++
		return sshtransport.Result{Status: 0}, nil

	case strings.HasPrefix(cmd, "cat '"):
		path := extractQuoted(cmd, "cat '")
		content, ok := f.files[path]
		if !ok {
			return sshtransport.Result{Status: 1}, nil
		}
		return sshtransport.Result{Status: 0, Stdout: content}, nil

	case strings.Contains(cmd, "docker-compose build"):
		f.compose["build"]++
		return sshtransport.Result{Status: 0}, nil

	case strings.Contains(cmd, "docker-compose up -d"):
		f.compose["up"]++
		return sshtransport.Result{Status: 0}, nil

	case strings.Contains(cmd, "docker-compose run"):
		f.compose["run"]++
		return sshtransport.Result{Status: 0}, nil

	case strings.Contains(cmd, "docker-compose kill"), strings.Contains(cmd, "docker-compose rm"):
		f.compose["teardown"]++
		return sshtransport.Result{Status: 0}, nil

	case strings.Contains(cmd, "docker commit"):
		f.compose["commit"]++
		return sshtransport.Result{Status: 0}, nil

	case strings.Contains(cmd, "docker ps"):
		return sshtransport.Result{Status: 0, Stdout: ""}, nil

	case strings.Contains(cmd, "docker inspect"):
		return sshtransport.Result{Status: 0, Stdout: "[]"}, nil

	case strings.Contains(cmd, "docker exec"), strings.Contains(cmd, "docker run"):
		return sshtransport.Result{Status: 0, Stdout: ""}, nil
	}

	return sshtransport.Result{Status: 0}, nil
}

func (f *fakeTransport) RunChecked(cmd string) (sshtransport.Result, error) {
	result, err := f.Run(cmd)
	if err != nil {
		return result, err
	}
	if result.Status != 0 {
		return result, os.ErrNotExist
	}
	return result, nil
}

func (f *fakeTransport) Upload(localPath, remotePath string) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.files[remotePath] = string(content)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func extractQuoted(cmd, prefix string) string {
	rest := strings.TrimPrefix(cmd, prefix)
	end := strings.Index(rest, "'")
	if end < 0 {
		return rest
	}
	return rest[:end]
}
