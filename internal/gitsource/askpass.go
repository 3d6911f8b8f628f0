package gitsource

import (
	"fmt"
	"os"
	"path/filepath"
)

// The askpass side channel keeps credentials out of child-process argument
// vectors, which are world-readable via ps. Git is pointed at a script that
// prints the value of a private carrier variable; the secret only ever lives
// in the child's environment.

const askpassScript = "#!/bin/sh\nprintf '%s\\n' \"$GIT_CREDENTIAL\"\n"

// writeAskpass writes the one-line askpass script into dir, owner-only
// executable, and returns its path.
func writeAskpass(dir string) (string, error) {
	path := filepath.Join(dir, "askpass.sh")
	if err := os.WriteFile(path, []byte(askpassScript), 0o700); err != nil {
		return "", fmt.Errorf("write askpass script: %w", err)
	}
	return path, nil
}

// askpassEnv builds the child-process environment: the askpass pointer, the
// terminal-prompt disable and the credential carrier, on top of the parent
// environment.
func askpassEnv(askpassPath, credential string) []string {
	return append(os.Environ(),
		"GIT_ASKPASS="+askpassPath,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CREDENTIAL="+credential,
	)
}
