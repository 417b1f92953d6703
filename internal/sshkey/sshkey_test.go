package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("MarshalPrivateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestAuthorizedKeyFromFile(t *testing.T) {
	path := writeTestKey(t)
	out, err := AuthorizedKeyFromFile(path)
	if err != nil {
		t.Fatalf("AuthorizedKeyFromFile: %v", err)
	}
	if !strings.HasPrefix(string(out), "ssh-ed25519 ") {
		t.Errorf("authorized key = %q, want ssh-ed25519 prefix", out)
	}
}

func TestSignersFromFilesDeduplicates(t *testing.T) {
	path := writeTestKey(t)
	signers, err := SignersFromFiles([]string{path, path})
	if err != nil {
		t.Fatalf("SignersFromFiles: %v", err)
	}
	if len(signers) != 1 {
		t.Errorf("len(signers) = %d, want 1", len(signers))
	}
}
