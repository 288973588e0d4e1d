package types

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHKey is a provisioning credential injected into new VMs via cloud-init
type SSHKey struct {
	ID          uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name        string     `json:"name" gorm:"size:100;not null;uniqueIndex"`
	PublicKey   string     `json:"public_key" gorm:"type:text;not null"`
	Fingerprint string     `json:"fingerprint" gorm:"size:100;not null;uniqueIndex"`
	Type        string     `json:"type" gorm:"size:50;not null"`
	Active      bool       `json:"active" gorm:"not null;default:true"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ParseSSHKey validates an authorized_keys line and returns an active key
// record with its SHA256 fingerprint and algorithm filled in.
func ParseSSHKey(name string, authorizedKey []byte) (*SSHKey, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return nil, fmt.Errorf("invalid SSH public key: %w", err)
	}

	if name == "" {
		name = comment
	}
	if name == "" {
		return nil, fmt.Errorf("ssh key name is required")
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}

	return &SSHKey{
		Name:        name,
		PublicKey:   line,
		Fingerprint: ssh.FingerprintSHA256(pub),
		Type:        pub.Type(),
		Active:      true,
		CreatedAt:   time.Now(),
	}, nil
}

// Usable reports whether the key may be injected at now
func (k *SSHKey) Usable(now time.Time) bool {
	if !k.Active {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}
