// Package auth manages the client keypair used to sign tracker requests.
// Keys are ed25519, stored in OpenSSH format under ~/.tensor2struct.
package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const defaultPrivateKey = "id_ed25519"

func keyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tensor2struct", defaultPrivateKey), nil
}

// InitKeypair generates the signing keypair if it does not exist yet.
func InitKeypair() error {
	privKeyPath, err := keyPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(privKeyPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	privateKeyBytes, err := ssh.MarshalPrivateKey(privateKey, "")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(privKeyPath), 0o755); err != nil {
		return fmt.Errorf("could not create key directory: %w", err)
	}
	if err := os.WriteFile(privKeyPath, pem.EncodeToMemory(privateKeyBytes), 0o600); err != nil {
		return err
	}

	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return err
	}
	return os.WriteFile(privKeyPath+".pub", ssh.MarshalAuthorizedKey(sshPublicKey), 0o644)
}

// GetPublicKey returns the authorized-keys form of the public key.
func GetPublicKey() (string, error) {
	privKeyPath, err := keyPath()
	if err != nil {
		return "", err
	}
	privateKeyFile, err := os.ReadFile(privKeyPath)
	if err != nil {
		return "", err
	}
	privateKey, err := ssh.ParsePrivateKey(privateKeyFile)
	if err != nil {
		return "", err
	}

	publicKey := ssh.MarshalAuthorizedKey(privateKey.PublicKey())
	return string(bytes.TrimSpace(publicKey)), nil
}

// Sign returns "<pubkey>:<base64 signature>" over the given bytes, suitable
// for an Authorization header.
func Sign(ctx context.Context, bts []byte) (string, error) {
	privKeyPath, err := keyPath()
	if err != nil {
		return "", err
	}
	privateKeyFile, err := os.ReadFile(privKeyPath)
	if err != nil {
		return "", err
	}
	privateKey, err := ssh.ParsePrivateKey(privateKeyFile)
	if err != nil {
		return "", err
	}

	// public key without the type prefix
	publicKey := ssh.MarshalAuthorizedKey(privateKey.PublicKey())
	parts := bytes.Split(publicKey, []byte(" "))
	if len(parts) < 2 {
		return "", fmt.Errorf("malformed public key")
	}

	signedData, err := privateKey.Sign(rand.Reader, bts)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s:%s", bytes.TrimSpace(parts[1]),
		base64.StdEncoding.EncodeToString(signedData.Blob)), nil
}
