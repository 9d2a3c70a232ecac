package storage

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"server-dr/internal/config"
)

// SFTPDestination stores archives on an SSH file server
type SFTPDestination struct {
	ssh      *xssh.Client
	client   *sftp.Client
	basePath string
}

// NewSFTPDestination dials the server and verifies its host key against
// known_hosts. Unknown hosts are rejected.
func NewSFTPDestination(ctx context.Context, cfg *config.SFTPConfig, prefix string) (*SFTPDestination, error) {
	if cfg == nil {
		return nil, configError("SFTP storage configuration is required")
	}
	if cfg.Host == "" || cfg.Username == "" {
		return nil, configError("SFTP host and username are required")
	}

	auth, err := sftpAuth(cfg)
	if err != nil {
		return nil, err
	}

	knownHostsPath := cfg.KnownHostsPath
	if knownHostsPath == "" {
		home, _ := os.UserHomeDir()
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeyCallback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, configError(fmt.Sprintf("failed to read known_hosts %s: %v", knownHostsPath, err))
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(port))

	sshConfig := &xssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	dialer := net.Dialer{Timeout: sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, storageError(fmt.Sprintf("failed to connect to %s", addr), err)
	}
	c, chans, reqs, err := xssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, storageError("SSH handshake failed", err)
	}
	sshClient := xssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient,
		sftp.MaxPacketUnchecked(131072),
		sftp.UseConcurrentWrites(true),
		sftp.MaxConcurrentRequestsPerFile(64),
	)
	if err != nil {
		sshClient.Close()
		return nil, storageError("failed to start SFTP session", err)
	}

	d, err := newSFTPDestination(client, path.Join(cfg.BasePath, strings.Trim(prefix, "/")))
	if err != nil {
		client.Close()
		sshClient.Close()
		return nil, err
	}
	d.ssh = sshClient
	return d, nil
}

func newSFTPDestination(client *sftp.Client, basePath string) (*SFTPDestination, error) {
	if basePath == "" {
		basePath = "."
	}
	if err := client.MkdirAll(basePath); err != nil {
		return nil, storageError("failed to create SFTP base directory", err)
	}
	return &SFTPDestination{client: client, basePath: basePath}, nil
}

func sftpAuth(cfg *config.SFTPConfig) ([]xssh.AuthMethod, error) {
	if cfg.KeyPath != "" {
		keyData, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, configError(fmt.Sprintf("failed to read SSH key: %v", err))
		}
		signer, err := xssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, configError(fmt.Sprintf("failed to parse SSH key: %v", err))
		}
		return []xssh.AuthMethod{xssh.PublicKeys(signer)}, nil
	}
	if cfg.Password != "" {
		return []xssh.AuthMethod{xssh.Password(cfg.Password)}, nil
	}
	return nil, configError("SFTP requires key_path or password")
}

func (d *SFTPDestination) remotePath(key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(d.basePath, k), nil
}

// Upload writes to a partial file and renames it into place
func (d *SFTPDestination) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	dest, err := d.remotePath(key)
	if err != nil {
		return err
	}
	if err := d.client.MkdirAll(path.Dir(dest)); err != nil {
		return storageError("failed to create remote directory", err)
	}

	tmp := dest + ".partial"
	f, err := d.client.Create(tmp)
	if err != nil {
		return storageError("failed to create remote file", err)
	}
	written, err := io.Copy(f, &contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		d.client.Remove(tmp)
		return storageError("failed to write remote file", err)
	}
	if size >= 0 && written != size {
		d.client.Remove(tmp)
		return storageError(fmt.Sprintf("size mismatch: expected %d bytes, wrote %d bytes", size, written), nil)
	}

	if err := d.client.PosixRename(tmp, dest); err != nil {
		// servers without the posix-rename extension refuse to overwrite
		d.client.Remove(dest)
		if err := d.client.Rename(tmp, dest); err != nil {
			d.client.Remove(tmp)
			return storageError("failed to finalize remote file", err)
		}
	}
	return nil
}

// Download copies the remote file into w
func (d *SFTPDestination) Download(ctx context.Context, key string, w io.Writer) error {
	src, err := d.remotePath(key)
	if err != nil {
		return err
	}
	f, err := d.client.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return notFoundError(key, err)
		}
		return storageError("failed to open remote file", err)
	}
	defer f.Close()

	if _, err := f.WriteTo(&contextWriter{ctx: ctx, w: w}); err != nil {
		return storageError("failed to read remote file", err)
	}
	return nil
}

// Delete removes the remote file; a missing file is not an error
func (d *SFTPDestination) Delete(ctx context.Context, key string) error {
	p, err := d.remotePath(key)
	if err != nil {
		return err
	}
	if err := d.client.Remove(p); err != nil && !os.IsNotExist(err) {
		return storageError("failed to delete remote file", err)
	}
	return nil
}

// List walks the remote base path
func (d *SFTPDestination) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	walker := d.client.Walk(d.basePath)
	for walker.Step() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := walker.Err(); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, storageError("failed to list SFTP destination", err)
		}
		info := walker.Stat()
		if info.IsDir() || strings.HasSuffix(walker.Path(), ".partial") {
			continue
		}
		key := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), d.basePath), "/")
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), ModTime: info.ModTime()})
	}
	return objects, nil
}

// HealthCheck stats the base path
func (d *SFTPDestination) HealthCheck(ctx context.Context) error {
	info, err := d.client.Stat(d.basePath)
	if err != nil {
		return storageError("SFTP base path is not accessible", err)
	}
	if !info.IsDir() {
		return storageError(fmt.Sprintf("SFTP base path %s is not a directory", d.basePath), nil)
	}
	return nil
}

// Type returns "sftp"
func (d *SFTPDestination) Type() string { return "sftp" }

// Close ends the SFTP session and the SSH connection
func (d *SFTPDestination) Close() error {
	err := d.client.Close()
	if d.ssh != nil {
		if cerr := d.ssh.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
