package helpers

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/safe"
)

// PasswordSource locates one secret. File wins over Env; Prompt is only used
// when neither yields a value and stdin is a terminal.
type PasswordSource struct {
	// Field names the secret in errors, e.g. "ca.root_password".
	Field  string
	File   string
	Env    string
	Prompt string
}

// PasswordReader resolves password sources.
type PasswordReader struct {
	Lookup func(string) (string, bool)
	// In is the terminal prompts read from. Nil disables prompting.
	In  *os.File
	Out io.Writer
}

// NewPasswordReader reads from the process environment and the controlling terminal.
func NewPasswordReader(out io.Writer) *PasswordReader {
	return &PasswordReader{Lookup: os.LookupEnv, In: os.Stdin, Out: out}
}

// Read returns the secret of src. A missing secret is a ConfigError.
func (r *PasswordReader) Read(src PasswordSource) ([]byte, error) {
	if src.File != "" {
		data, err := safe.ReadFile(src.File, &safe.ReadOptions{MaxSize: 4096})
		if err != nil {
			return nil, errors.Configf(src.Field, "cannot read password file: %v", err)
		}
		pw := bytes.TrimRight(data, "\r\n")
		if len(pw) == 0 {
			return nil, errors.Configf(src.Field, "password file %s is empty", src.File)
		}
		return pw, nil
	}
	if src.Env != "" && r.Lookup != nil {
		if v, ok := r.Lookup(src.Env); ok && v != "" {
			return []byte(v), nil
		}
	}
	if src.Prompt == "" || r.In == nil || !term.IsTerminal(int(r.In.Fd())) {
		return nil, errors.Configf(src.Field, "not provided (set a password file or %s)", src.Env)
	}

	_, _ = fmt.Fprintf(r.Out, "%s: ", src.Prompt)
	pw, err := term.ReadPassword(int(r.In.Fd()))
	_, _ = fmt.Fprintln(r.Out)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	if len(pw) == 0 {
		return nil, errors.Configf(src.Field, "empty password")
	}
	return pw, nil
}

// ReadConfirmed prompts twice when prompting and fails if the entries differ.
// File and environment sources are returned as is.
func (r *PasswordReader) ReadConfirmed(src PasswordSource) ([]byte, error) {
	pw, err := r.Read(src)
	if err != nil || src.File != "" || r.fromEnv(src) {
		return pw, err
	}
	again, err := r.Read(PasswordSource{Field: src.Field, Env: src.Env, Prompt: "Confirm " + src.Prompt})
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pw, again) {
		return nil, errors.Configf(src.Field, "passwords do not match")
	}
	return pw, nil
}

func (r *PasswordReader) fromEnv(src PasswordSource) bool {
	if src.Env == "" || r.Lookup == nil {
		return false
	}
	v, ok := r.Lookup(src.Env)
	return ok && v != ""
}
