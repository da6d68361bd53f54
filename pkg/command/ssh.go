package command

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cuemby/crucible/pkg/log"
	"github.com/cuemby/crucible/pkg/types"
)

// DefaultPreferredAuth mirrors the OpenSSH client's default method order.
var DefaultPreferredAuth = []string{
	"gssapi-keyex", "gssapi-with-mic", "hostbased", "publickey", "password",
}

// SSHOptions configures an SSH client, one-shot or long-lived.
type SSHOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	// ClientKeyPaths are private key files tried for publickey auth.
	ClientKeyPaths []string
	// KnownHostsPath is consulted for host key verification; when
	// DisableKnownHostsCheck is set the host key is accepted blindly.
	KnownHostsPath         string
	DisableKnownHostsCheck bool
	PreferredAuth          []string
	Env                    map[string]string
	KeepAliveInterval      time.Duration
	KeepAliveCountMax      int
	Timeout                time.Duration
}

func (o SSHOptions) addr() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

func (o SSHOptions) preferredAuth() []string {
	if len(o.PreferredAuth) > 0 {
		return o.PreferredAuth
	}
	return DefaultPreferredAuth
}

func (o SSHOptions) clientConfig() (*ssh.ClientConfig, error) {
	// PreferredAuth fixes the relative order of the methods the client
	// library can express; gssapi and hostbased entries are skipped. A
	// method absent from the list is not offered at all.
	var methods []ssh.AuthMethod
	for _, method := range o.preferredAuth() {
		switch method {
		case "publickey":
			for _, path := range o.ClientKeyPaths {
				key, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("failed to read client key %s: %w", path, err)
				}
				signer, err := ssh.ParsePrivateKey(key)
				if err != nil {
					return nil, fmt.Errorf("failed to parse client key %s: %w", path, err)
				}
				methods = append(methods, ssh.PublicKeys(signer))
			}
		case "password":
			if o.Password != "" {
				methods = append(methods, ssh.Password(o.Password))
			}
		}
	}

	callback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- ephemeral test hosts
	if !o.DisableKnownHostsCheck && o.KnownHostsPath != "" {
		kh, err := knownhosts.New(o.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", o.KnownHostsPath, err)
		}
		callback = kh
	}

	timeout := o.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            o.Username,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         timeout,
	}, nil
}

// SSHClient is the long-lived form: explicit Connect/Close, with a single
// transparent reconnect when the underlying connection has gone stale.
type SSHClient struct {
	opts   SSHOptions
	client *ssh.Client
	stopCh chan struct{}
}

// NewSSHClient creates an unconnected long-lived client.
func NewSSHClient(opts SSHOptions) *SSHClient {
	if len(opts.PreferredAuth) == 0 {
		opts.PreferredAuth = DefaultPreferredAuth
	}
	return &SSHClient{opts: opts}
}

// Connect dials the remote host and starts the keep-alive loop.
func (c *SSHClient) Connect() error {
	cfg, err := c.opts.clientConfig()
	if err != nil {
		return err
	}
	client, err := ssh.Dial("tcp", c.opts.addr(), cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.opts.addr(), err)
	}
	c.client = client

	if c.opts.KeepAliveInterval > 0 {
		c.stopCh = make(chan struct{})
		go c.keepAlive()
	}
	return nil
}

// Close tears the connection down. Safe to call when not connected.
func (c *SSHClient) Close() error {
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *SSHClient) keepAlive() {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			if c.client == nil {
				return
			}
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				failures++
				if c.opts.KeepAliveCountMax > 0 && failures >= c.opts.KeepAliveCountMax {
					logger := log.WithComponent("ssh")
					logger.Warn().
						Str("host", c.opts.Host).
						Int("failures", failures).
						Msg("keep-alive budget exhausted, closing connection")
					c.Close()
					return
				}
			} else {
				failures = 0
			}
		case <-c.stopCh:
			return
		}
	}
}

// Execute runs one command on the established connection. It never
// returns an error: timeouts and transport faults are folded into the
// CommandResult so callers observe a uniform shape.
func (c *SSHClient) Execute(cmd string) types.CommandResult {
	result, err := c.run(cmd)
	if err == nil {
		return result
	}

	// A channel-open failure usually means the connection went stale
	// underneath us. Reconnect once and retry.
	if isStaleConnection(err) {
		logger := log.WithComponent("ssh")
		logger.Debug().
			Str("host", c.opts.Host).Err(err).
			Msg("stale connection, reconnecting")
		c.Close()
		if rerr := c.Connect(); rerr == nil {
			if result, err = c.run(cmd); err == nil {
				return result
			}
		}
	}

	return types.CommandResult{ExitCode: 1, Stderr: err.Error()}
}

// ExecuteCommands runs the commands sequentially on the same connection
// and returns a mapping from command to result.
func (c *SSHClient) ExecuteCommands(cmds []string) map[string]types.CommandResult {
	results := make(map[string]types.CommandResult, len(cmds))
	for _, cmd := range cmds {
		results[cmd] = c.Execute(cmd)
	}
	return results
}

func (c *SSHClient) run(cmd string) (types.CommandResult, error) {
	if c.client == nil {
		if err := c.Connect(); err != nil {
			return types.CommandResult{}, err
		}
	}

	session, err := c.client.NewSession()
	if err != nil {
		return types.CommandResult{}, err
	}
	defer session.Close()

	for k, v := range c.opts.Env {
		// Setenv failures depend on the server's AcceptEnv; fold the
		// variable into the command line instead of failing the run.
		if err := session.Setenv(k, v); err != nil {
			cmd = k + "=" + shellQuote(v) + " " + cmd
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	type done struct {
		err error
	}
	doneCh := make(chan done, 1)
	go func() {
		doneCh <- done{err: session.Run(cmd)}
	}()

	timeout := c.opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	select {
	case d := <-doneCh:
		result := types.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if d.err != nil {
			var exitErr *ssh.ExitError
			if ok := asExitError(d.err, &exitErr); ok {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return types.CommandResult{}, d.err
		}
		return result, nil
	case <-time.After(timeout):
		session.Close()
		return types.CommandResult{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("ssh command timed out after %s: %s", timeout, cmd),
		}, nil
	}
}

// RunSSH is the one-shot form: connect, run, close.
func RunSSH(opts SSHOptions, cmd string) types.CommandResult {
	client := NewSSHClient(opts)
	if err := client.Connect(); err != nil {
		return types.CommandResult{ExitCode: 1, Stderr: err.Error()}
	}
	defer client.Close()
	return client.Execute(cmd)
}

// RunSSHCommands is the one-shot multi-command form. All commands share a
// single connection and run sequentially.
func RunSSHCommands(opts SSHOptions, cmds []string) map[string]types.CommandResult {
	client := NewSSHClient(opts)
	if err := client.Connect(); err != nil {
		results := make(map[string]types.CommandResult, len(cmds))
		for _, cmd := range cmds {
			results[cmd] = types.CommandResult{ExitCode: 1, Stderr: err.Error()}
		}
		return results
	}
	defer client.Close()
	return client.ExecuteCommands(cmds)
}

func isStaleConnection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "open channel") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "EOF")
}

func asExitError(err error, target **ssh.ExitError) bool {
	e, ok := err.(*ssh.ExitError)
	if ok {
		*target = e
	}
	return ok
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
