package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes the authenticated byte channel to the guest.
type SSHConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	KeyPath           string
	ConnectTimeout    time.Duration
}

// sshChannel is a Channel backed by one golang.org/x/crypto/ssh
// connection, dialed fresh per attempt per the connect-per-command
// contract.
type sshChannel struct {
	client *ssh.Client
}

// DialSSH returns a Dialer suitable for RemoteHarness.Dial.
func DialSSH(cfg SSHConfig) Dialer {
	return func(ctx context.Context) (Channel, error) {
		auth, err := sshAuthMethods(cfg)
		if err != nil {
			return nil, err
		}

		clientCfg := &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         cfg.ConnectTimeout,
		}

		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		client, err := ssh.Dial("tcp", addr, clientCfg)
		if err != nil {
			return nil, fmt.Errorf("harness: ssh dial %s failed: %w", addr, err)
		}
		return &sshChannel{client: client}, nil
	}
}

func sshAuthMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("harness: failed to read ssh key %s: %w", cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("harness: failed to parse ssh key %s: %w", cfg.KeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
}

func (c *sshChannel) Exec(ctx context.Context, cmd string) (*Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("harness: failed to open ssh session: %w", err)
	}
	defer session.Close()
	defer c.client.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		returnCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				returnCode = exitErr.ExitStatus()
			} else {
				return nil, fmt.Errorf("harness: ssh exec %q failed: %w", cmd, err)
			}
		}
		return &Result{ReturnCode: returnCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
}

func (c *sshChannel) SendFile(ctx context.Context, local, remote string) error {
	localFile, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("harness: failed to open local file %s: %w", local, err)
	}
	defer localFile.Close()
	defer c.client.Close()

	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("harness: failed to open ssh session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("harness: failed to open stdin pipe: %w", err)
	}

	if err := session.Start(fmt.Sprintf("cat > %s", remote)); err != nil {
		return fmt.Errorf("harness: failed to start remote cat: %w", err)
	}
	if _, err := io.Copy(stdin, localFile); err != nil {
		return fmt.Errorf("harness: failed to stream file to guest: %w", err)
	}
	stdin.Close()
	return session.Wait()
}

func (c *sshChannel) CopyBack(ctx context.Context, remote, local string) error {
	defer c.client.Close()

	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("harness: failed to open ssh session: %w", err)
	}
	defer session.Close()

	out, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("harness: failed to create local file %s: %w", local, err)
	}
	defer out.Close()

	session.Stdout = out
	return session.Run(fmt.Sprintf("cat %s", remote))
}
