// Package identity manages the node's ed25519 identity key.
package identity

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("dx-identity")

// LoadOrCreate loads the identity key at keyPath, generating and
// persisting a fresh ed25519 key when the file is absent. A present but
// unparseable key file is an error; it is never overwritten.
func LoadOrCreate(keyPath string) (crypto.PrivKey, error) {
	if keyData, err := os.ReadFile(keyPath); err == nil {
		privKey, err := crypto.UnmarshalPrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling identity key %s: %w", keyPath, err)
		}
		return privKey, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading identity key: %w", err)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	keyData, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling identity key: %w", err)
	}
	if err := os.WriteFile(keyPath, keyData, 0o600); err != nil {
		return nil, fmt.Errorf("writing identity key: %w", err)
	}

	log.Infof("generated new node identity at %s", keyPath)
	return privKey, nil
}

// PeerID derives the peer identity from a private key.
func PeerID(privKey crypto.PrivKey) (peer.ID, error) {
	id, err := peer.IDFromPrivateKey(privKey)
	if err != nil {
		return "", fmt.Errorf("deriving peer id: %w", err)
	}
	return id, nil
}
