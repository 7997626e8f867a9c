package kapti

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// needsRootPrivileges checks if the requested command changes the system.
func needsRootPrivileges(args []string) bool {
	if len(args) < 1 {
		return false
	}

	// Commands that require root privileges
	rootCommands := map[string]bool{
		"install": true,
		"i":       true,
		"remove":  true,
		"r":       true,
		"refresh": true,
	}
	return rootCommands[args[0]]
}

// authenticateOnce asks sudo for credentials up front, so that the password
// prompt does not collide with progress output. Other helpers prompt on
// their own.
func authenticateOnce(cfg *Config) error {
	if os.Geteuid() == 0 {
		return nil // Already root
	}
	elevate := cfg.ElevateCommand()
	if len(elevate) == 0 || filepath.Base(elevate[0]) != "sudo" {
		return nil
	}

	cmd := exec.Command(elevate[0], "-v")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo authentication failed: %w", err)
	}
	debugf("Authenticated via sudo\n")
	return nil
}
