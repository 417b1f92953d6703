// Package sshkey loads SSH private keys and renders their public halves as
// authorized_keys entries, for the optional -ssh-authorized-key convenience
// flag, which applies to synthesized and raw QEMU start commands alike.
package sshkey

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// AuthorizedKeyFromFile reads the private key at path and returns its
// public half in authorized_keys format, suitable for injecting into a
// guest image the way a netboot authorized-keys image would.
func AuthorizedKeyFromFile(path string) ([]byte, error) {
	p, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sshkey: read %q: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(p)
	if err != nil {
		return nil, fmt.Errorf("sshkey: parse %q: %w", path, err)
	}
	return ssh.MarshalAuthorizedKey(signer.PublicKey()), nil
}

// SignersFromFiles parses each private key path into an ssh.Signer,
// skipping paths already processed, mirroring
// SSHSignersFromDeviceProperties's de-duplication.
func SignersFromFiles(paths []string) ([]ssh.Signer, error) {
	seen := make(map[string]bool)
	var signers []ssh.Signer
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		p, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sshkey: read %q: %w", path, err)
		}
		s, err := ssh.ParsePrivateKey(p)
		if err != nil {
			return nil, fmt.Errorf("sshkey: parse %q: %w", path, err)
		}
		signers = append(signers, s)
	}
	return signers, nil
}
