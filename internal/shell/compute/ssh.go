package compute

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// remoteRunner runs a command on a cloud instance.
type remoteRunner interface {
	Run(ctx context.Context, host string, privateKey []byte, cmd string) (*ExecResult, error)
}

// sshRunner runs commands over a fresh SSH connection per call.
type sshRunner struct {
	user           string
	port           int
	connectTimeout time.Duration
}

func newSSHRunner(user string) *sshRunner {
	if user == "" {
		user = "root"
	}
	return &sshRunner{
		user:           user,
		port:           22,
		connectTimeout: 10 * time.Second,
	}
}

// Run dials host, runs cmd in a session and waits for it. A remote non-zero
// exit status is returned in the result.
func (r *sshRunner) Run(ctx context.Context, host string, privateKey []byte, cmd string) (*ExecResult, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // freshly created instance, key unknown in advance
		Timeout:         r.connectTimeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(r.port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	case err := <-done:
		res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
}

// generateSSHKeyPair generates an Ed25519 SSH key pair.
// Returns the public key (authorized_keys format) and private key (PEM format).
func generateSSHKeyPair() (publicKey []byte, privateKeyPEM []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, "fleetrunner-sandbox")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return ssh.MarshalAuthorizedKey(sshPubKey), pem.EncodeToMemory(block), nil
}
