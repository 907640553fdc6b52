package whatsapp

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CredentialStore owns the per-phone credential directories. Their content is
// written by the protocol client and treated as opaque here.
type CredentialStore interface {
	Dir(phone string) string
	Exists(phone string) bool
	// Reset discards any material for phone and recreates an empty directory.
	Reset(phone string) error
	Remove(phone string) error
}

// FileCredentialStore keeps credentials under <root>/auth_info_<digits>.
type FileCredentialStore struct {
	root string
}

var _ CredentialStore = (*FileCredentialStore)(nil)

func NewFileCredentialStore(root string) *FileCredentialStore {
	return &FileCredentialStore{root: root}
}

func (s *FileCredentialStore) Dir(phone string) string {
	return filepath.Join(s.root, "auth_info_"+NormalizePhone(phone))
}

func (s *FileCredentialStore) Exists(phone string) bool {
	if NormalizePhone(phone) == "" {
		return false
	}
	info, err := os.Stat(s.Dir(phone))
	return err == nil && info.IsDir()
}

func (s *FileCredentialStore) Reset(phone string) error {
	if NormalizePhone(phone) == "" {
		return errors.New("empty phone number")
	}
	dir := s.Dir(phone)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "clear credentials %s", dir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "create credentials %s", dir)
	}
	return nil
}

func (s *FileCredentialStore) Remove(phone string) error {
	if NormalizePhone(phone) == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir(phone)); err != nil {
		return errors.Wrapf(err, "remove credentials for %s", phone)
	}
	return nil
}
