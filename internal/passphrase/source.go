package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	label  string

	// prompt is swapped in tests; it reports false when no terminal exists.
	prompt func(label string) (string, bool, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal. label names the keystore in
// prompts and errors.
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label, prompt: terminalPrompt(os.Stdin, os.Stderr)}
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		value, interactive, err := s.prompt(s.label)
		switch {
		case !interactive && s.envVar != "":
			s.err = fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
			return
		case !interactive:
			s.err = fmt.Errorf("%s passphrase required and no terminal available", s.label)
			return
		case err != nil:
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = errors.New(s.label + " passphrase cannot be empty")
			return
		}
		s.value = value
	})

	return s.value, s.err
}

func terminalPrompt(in *os.File, out io.Writer) func(string) (string, bool, error) {
	return func(label string) (string, bool, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", false, nil
		}
		fmt.Fprintf(out, "Enter %s passphrase: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		return string(raw), true, err
	}
}
