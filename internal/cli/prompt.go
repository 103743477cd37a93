// ABOUTME: Passphrase input for room and join commands
// ABOUTME: Flag value, first stdin line, or a no-echo prompt on a terminal
package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

type secret struct {
	value string
	stdin bool
}

// resolve returns the passphrase; an empty result means none was supplied
func (a *app) resolve(s secret, prompt string) (string, error) {
	if s.value != "" {
		return s.value, nil
	}
	if s.stdin {
		line, err := bufio.NewReader(a.in).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	f, ok := a.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", nil
	}
	fmt.Fprint(a.out, prompt)
	pw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(a.out)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}
