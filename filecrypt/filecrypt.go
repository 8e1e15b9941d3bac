// Package filecrypt copies files onto and off tape through age encryption.
package filecrypt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
)

type FileCryptor struct {
	recipients []age.Recipient
	identities []age.Identity
}

// New builds a cryptor from an age recipients file and, for restores, an
// identity file. Either path may be empty.
func New(recipientsFile, identityFile string) (*FileCryptor, error) {
	c := &FileCryptor{}
	if recipientsFile != "" {
		f, err := os.Open(recipientsFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if c.recipients, err = age.ParseRecipients(f); err != nil {
			return nil, fmt.Errorf("%s: %w", recipientsFile, err)
		}
	}
	if identityFile != "" {
		f, err := os.Open(identityFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if c.identities, err = age.ParseIdentities(f); err != nil {
			return nil, fmt.Errorf("%s: %w", identityFile, err)
		}
	}
	return c, nil
}

func NewWithKeys(recipients []age.Recipient, identities []age.Identity) *FileCryptor {
	return &FileCryptor{recipients: recipients, identities: identities}
}

// EncryptFile writes an encrypted copy of src at dest, creating parent
// directories and giving it the modification time of src. It returns the
// stat of the written artifact.
func (c *FileCryptor) EncryptFile(src, dest string) (os.FileInfo, error) {
	if len(c.recipients) == 0 {
		return nil, errors.New("no age recipients configured")
	}
	stat, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return nil, err
	}
	if err := c.encrypt(src, dest); err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("encrypting %s: %w", src, err)
	}
	if err := os.Chtimes(dest, stat.ModTime(), stat.ModTime()); err != nil {
		return nil, err
	}
	return os.Lstat(dest)
}

func (c *FileCryptor) encrypt(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	w, err := age.Encrypt(out, c.recipients...)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		return err
	}
	if err := w.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// DecryptFile restores src to dest and sets its modification time.
func (c *FileCryptor) DecryptFile(src, dest string, mtime time.Time) error {
	if len(c.identities) == 0 {
		return errors.New("no age identities configured")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}
	if err := c.decrypt(src, dest); err != nil {
		os.Remove(dest)
		return fmt.Errorf("decrypting %s: %w", src, err)
	}
	return os.Chtimes(dest, mtime, mtime)
}

func (c *FileCryptor) decrypt(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	r, err := age.Decrypt(in, c.identities...)
	if err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
