package credentials

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptFunc asks the operator for credentials.
type PromptFunc func(purpose, address string) (Credential, error)

// Resolver looks up credentials for a backend. The container is consulted
// first, then KATPREP_<PURPOSE>_USER / KATPREP_<PURPOSE>_PASS, then Prompt.
// Any nil source is skipped.
type Resolver struct {
	Container *Container
	Getenv    func(string) string
	Prompt    PromptFunc
}

// NewResolver creates a resolver reading the process environment.
func NewResolver(container *Container, prompt PromptFunc) *Resolver {
	return &Resolver{Container: container, Getenv: os.Getenv, Prompt: prompt}
}

// Resolve returns credentials for the backend at address used for purpose
// (inventory, monitoring, virtualization).
func (r *Resolver) Resolve(ctx context.Context, purpose, address string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	if r.Container != nil {
		cred, ok, err := r.Container.Get(address)
		if err != nil {
			return Credential{}, err
		}
		if ok {
			return cred, nil
		}
	}

	if r.Getenv != nil {
		prefix := EnvPrefix(purpose)
		user, pass := r.Getenv(prefix+"_USER"), r.Getenv(prefix+"_PASS")
		if user != "" && pass != "" {
			return Credential{Username: user, Password: pass}, nil
		}
	}

	if r.Prompt != nil {
		return r.Prompt(purpose, address)
	}
	return Credential{}, fmt.Errorf("%w for %s backend %s", ErrNoCredentials, purpose, address)
}

// EnvPrefix returns the environment variable prefix for purpose, e.g.
// KATPREP_MONITORING.
func EnvPrefix(purpose string) string {
	return "KATPREP_" + strings.ToUpper(strings.ReplaceAll(purpose, "-", "_"))
}

// TerminalPrompt reads a username from in and the password without echo from
// the terminal. It returns nil when stdin is not a terminal.
func TerminalPrompt(in *os.File, out io.Writer) PromptFunc {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	reader := bufio.NewReader(in)
	return func(purpose, address string) (Credential, error) {
		fmt.Fprintf(out, "%s username for %s: ", purpose, address)
		user, err := reader.ReadString('\n')
		if err != nil {
			return Credential{}, fmt.Errorf("failed to read username: %w", err)
		}
		password, err := ReadPassword(in, out, fmt.Sprintf("%s password for %s: ", purpose, address))
		if err != nil {
			return Credential{}, err
		}
		return Credential{Username: strings.TrimSpace(user), Password: password}, nil
	}
}

// ReadPassword prints label and reads a line without echo.
func ReadPassword(in *os.File, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	pw, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}
