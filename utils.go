package escapexl

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// fileExists checks if a file exists and is not a directory.
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// absOrSelf returns the absolute form of path, or path itself if that fails.
func absOrSelf(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// findScript attempts to locate the filter script by its name.
// It searches in environment variables, the given directories,
// the working directory and next to the executable.
func findScript(scriptName string, dirs ...string) (string, error) {
	if filepath.IsAbs(scriptName) {
		if fileExists(scriptName) {
			return scriptName, nil
		}
		return "", fmt.Errorf("script '%s' not found", scriptName)
	}

	// 1. Check specific environment variable (e.g., ESCAPE_EXCEL_PL_PATH)
	envVarSpecific := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(filepath.Base(scriptName))) + "_PATH"
	if scriptPath := os.Getenv(envVarSpecific); scriptPath != "" && fileExists(scriptPath) {
		return absOrSelf(scriptPath), nil
	}

	// 2. Check directories listed in ESCAPEXL_SCRIPT_DIRS, then the configured ones
	envVarDirs := "ESCAPEXL_SCRIPT_DIRS"
	var searchDirs []string
	if v := os.Getenv(envVarDirs); v != "" {
		searchDirs = filepath.SplitList(v) // Handles OS-specific separator ( : or ; )
	}
	searchDirs = append(searchDirs, dirs...)

	// 3. Working directory
	searchDirs = append(searchDirs, ".")

	// 4. Next to the executable
	if execPath, err := os.Executable(); err == nil {
		searchDirs = append(searchDirs, filepath.Dir(execPath))
	}

	for _, dir := range searchDirs {
		if dir == "" {
			continue
		}
		scriptPath := filepath.Clean(filepath.Join(dir, scriptName))
		if fileExists(scriptPath) {
			return absOrSelf(scriptPath), nil
		}
	}

	return "", fmt.Errorf("script '%s' not found in any of the expected locations (checked env %s, env %s, script dirs, cwd, executable dir)", scriptName, envVarSpecific, envVarDirs)
}

// getInterpreterCommand returns the command used to run the filter script.
// An explicitly configured command wins, then the PERL_COMMAND environment
// variable, then "perl".
func getInterpreterCommand(configured string) string {
	if configured != "" {
		return configured
	}

	if perlCmd := os.Getenv("PERL_COMMAND"); perlCmd != "" {
		if _, err := exec.LookPath(perlCmd); err == nil {
			return perlCmd
		}
		GetZlog().Warn().Str("command", perlCmd).Msg("PERL_COMMAND set but command not found, falling back to perl")
	}

	// If perl is missing too, let exec fail later with a clear error
	return "perl"
}
