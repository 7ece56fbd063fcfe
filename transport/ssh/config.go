package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Config builds a *ssh.ServerConfig that delegates password and
// public-key authentication to auth and loads - or, if absent, generates
// and persists - its host key at hostKeyPath.
func Config(hostKeyPath string, auth Authenticator) (*ssh.ServerConfig, error) {
	config := &ssh.ServerConfig{
		PasswordCallback:  auth.Password,
		PublicKeyCallback: auth.PublicKey,
	}

	hostKey, err := loadOrGenerateHostKey(hostKeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "ssh: host key")
	}
	config.AddHostKey(hostKey)
	return config, nil
}

func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return ssh.ParsePrivateKey(data)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generating host key")
	}
	pemBytes := encodePrivateKeyToPEM(key)
	if path != "" {
		if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
			return nil, errors.Wrapf(err, "writing host key to %s", path)
		}
	}
	return ssh.ParsePrivateKey(pemBytes)
}

func encodePrivateKeyToPEM(key *rsa.PrivateKey) []byte {
	block := pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return pem.EncodeToMemory(&block)
}

// StaticAuthenticator accepts exactly one username/password pair and
// rejects every public key; a minimal Authenticator for simple deployments.
type StaticAuthenticator struct {
	Username string
	Password string
}

// Password implements Authenticator.
func (a StaticAuthenticator) Password(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if conn.User() == a.Username && string(password) == a.Password {
		return &ssh.Permissions{Extensions: map[string]string{"username": a.Username}}, nil
	}
	return nil, fmt.Errorf("password rejected for %q", conn.User())
}

// PublicKey implements Authenticator.
func (a StaticAuthenticator) PublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	return nil, fmt.Errorf("public-key auth not supported for %q", conn.User())
}
