// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hpc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/matterstack/matterstack/internal/wiring"
)

// Transport is the opaque backend collaborator the hpc Operator drives.
// Module loads and partition names never get parsed above this layer;
// they travel through as command-line strings the backend forwards.
type Transport interface {
	// Run executes command remotely (or locally, for BackendLocal) and
	// returns its combined stdout/stderr and exit code.
	Run(ctx context.Context, command string) (output string, exitCode int, err error)
	// WriteFile writes data to path on the backend's filesystem.
	WriteFile(ctx context.Context, path string, data []byte) error
	// ReadFile reads path from the backend's filesystem. Returns
	// os.ErrNotExist (wrapped) if path does not exist.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// NewTransport builds the Transport a Backend's type calls for.
// BackendProfile and BackendLegacy are resolved the same way as
// BackendSlurm: wiring.Parse accepts the same host/user/port/
// identity_file fields for all three types, and they are read as-is.
func NewTransport(backend *wiring.Backend) (Transport, error) {
	if backend == nil {
		return nil, fmt.Errorf("hpc: operator entry is missing a backend")
	}
	switch backend.Type {
	case wiring.BackendLocal:
		return &localTransport{}, nil
	case wiring.BackendSlurm, wiring.BackendProfile, wiring.BackendLegacy:
		return newSSHTransport(backend)
	default:
		return nil, fmt.Errorf("hpc: unsupported backend type %q", backend.Type)
	}
}

// localTransport runs commands on the same host MatterStack runs on,
// for HPC entries that model a shared-filesystem cluster front end
// reachable without a network hop.
type localTransport struct{}

func (t *localTransport) Run(ctx context.Context, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		err = nil
	}
	return buf.String(), code, err
}

func (t *localTransport) WriteFile(ctx context.Context, path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func (t *localTransport) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// sshTransport drives a remote Slurm front end over SSH. Backend.Rest
// supplies host, user, identity_file and an optional port; all are
// opaque strings MatterStack never interprets beyond dialing with them.
type sshTransport struct {
	client *ssh.Client
}

func newSSHTransport(backend *wiring.Backend) (*sshTransport, error) {
	host, _ := backend.Rest["host"].(string)
	if host == "" {
		return nil, fmt.Errorf("hpc: backend is missing required field %q", "host")
	}
	user, _ := backend.Rest["user"].(string)
	if user == "" {
		user = os.Getenv("USER")
	}
	port, _ := backend.Rest["port"].(string)
	if port == "" {
		port = "22"
	}
	identityFile, _ := backend.Rest["identity_file"].(string)

	auth, err := authMethod(identityFile)
	if err != nil {
		return nil, fmt.Errorf("hpc: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(host, port), config)
	if err != nil {
		return nil, fmt.Errorf("hpc: dial %s: %w", host, err)
	}
	return &sshTransport{client: client}, nil
}

func authMethod(identityFile string) (ssh.AuthMethod, error) {
	if identityFile == "" {
		return nil, fmt.Errorf("backend is missing required field %q", "identity_file")
	}
	key, err := os.ReadFile(identityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func (t *sshTransport) Run(ctx context.Context, command string) (string, int, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return "", 0, fmt.Errorf("hpc: open session: %w", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	session.Stderr = &buf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return buf.String(), -1, ctx.Err()
	case err := <-done:
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return buf.String(), exitErr.ExitStatus(), nil
		}
		if err != nil {
			return buf.String(), 0, fmt.Errorf("hpc: run %q: %w", command, err)
		}
		return buf.String(), 0, nil
	}
}

func (t *sshTransport) WriteFile(ctx context.Context, path string, data []byte) error {
	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("hpc: open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("hpc: stdin pipe: %w", err)
	}
	if err := session.Start(fmt.Sprintf("cat > %q", path)); err != nil {
		return fmt.Errorf("hpc: start remote cat: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("hpc: write remote file %s: %w", path, err)
	}
	stdin.Close()
	return session.Wait()
}

func (t *sshTransport) ReadFile(ctx context.Context, path string) ([]byte, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("hpc: open session: %w", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	if err := session.Run(fmt.Sprintf("cat %q", path)); err != nil {
		return nil, fmt.Errorf("%w: %s", os.ErrNotExist, path)
	}
	return buf.Bytes(), nil
}

func (t *sshTransport) Close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}
