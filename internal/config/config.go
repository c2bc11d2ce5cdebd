// Package config manages the migration toolkit's .env files and the table of
// runnable scripts. The env files are shared with the Python scripts, which
// load them with python-dotenv, so they are read and written in dotenv format.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Env file locations relative to the toolkit root.
const (
	discordEnvFile = "Discord_scrape/.env"
	stoatEnvFile   = "Stoat_migration/.env"
)

// pipPackages are installed when a configure request asks for dependencies.
var pipPackages = []string{"discord", "aiohttp", "python-dotenv", "certifi"}

// Config is the merged view of both env files, with secrets included: the
// panel is a localhost-only tool and the values round-trip through the form.
type Config struct {
	DiscordToken        string `json:"discord_token"`
	DiscordMessageLimit string `json:"discord_message_limit"`
	StoatToken          string `json:"stoat_token"`
	StoatServerID       string `json:"stoat_server_id"`
}

// ApplyRequest carries a configure submission.
type ApplyRequest struct {
	DiscordToken        string `json:"discord_token"`
	DiscordMessageLimit string `json:"discord_message_limit"`
	StoatToken          string `json:"stoat_token"`
	StoatServerID       string `json:"stoat_server_id"`
	InstallDependencies bool   `json:"install_dependencies"`
}

// ApplyResult reports what a configure request did.
type ApplyResult struct {
	Saved               bool   `json:"saved"`
	InstallDependencies bool   `json:"install_dependencies"`
	PipOutput           string `json:"pip_output"`
	PipExitCode         *int   `json:"pip_exit_code"`
}

// Store reads and writes the toolkit's configuration on disk.
type Store struct {
	root   string
	python string
}

// NewStore creates a store rooted at the toolkit directory, running pip with
// the given python interpreter.
func NewStore(root, python string) *Store {
	return &Store{root: root, python: python}
}

// DiscordEnvPath returns the absolute path of the Discord scraper env file.
func (s *Store) DiscordEnvPath() string {
	return filepath.Join(s.root, filepath.FromSlash(discordEnvFile))
}

// StoatEnvPath returns the absolute path of the Stoat importer env file.
func (s *Store) StoatEnvPath() string {
	return filepath.Join(s.root, filepath.FromSlash(stoatEnvFile))
}

// Current reads both env files. Missing files yield empty values rather than
// an error so a fresh checkout shows an unconfigured panel.
func (s *Store) Current() Config {
	discord := readEnvFile(s.DiscordEnvPath())
	stoat := readEnvFile(s.StoatEnvPath())

	limit := discord["DISCORD_MESSAGE_LIMIT"]
	if limit == "" {
		limit = "none"
	}

	return Config{
		DiscordToken:        discord["DISCORD_TOKEN"],
		DiscordMessageLimit: limit,
		StoatToken:          stoat["STOAT_TOKEN"],
		StoatServerID:       stoat["STOAT_SERVER_ID"],
	}
}

// Apply validates req, writes both env files, and optionally installs the
// Python dependencies, capturing pip's combined output.
func (s *Store) Apply(req ApplyRequest) (ApplyResult, error) {
	discordToken := strings.TrimSpace(req.DiscordToken)
	stoatToken := strings.TrimSpace(req.StoatToken)
	stoatServerID := strings.TrimSpace(req.StoatServerID)

	limit, err := ParseMessageLimit(req.DiscordMessageLimit)
	if err != nil {
		return ApplyResult{}, err
	}
	if discordToken == "" {
		return ApplyResult{}, fmt.Errorf("DISCORD_TOKEN is required")
	}
	if stoatToken == "" {
		return ApplyResult{}, fmt.Errorf("STOAT_TOKEN is required")
	}
	if stoatServerID == "" {
		return ApplyResult{}, fmt.Errorf("STOAT_SERVER_ID is required")
	}

	if err := writeEnvFile(s.DiscordEnvPath(), map[string]string{
		"DISCORD_TOKEN":         discordToken,
		"DISCORD_MESSAGE_LIMIT": limit,
	}); err != nil {
		return ApplyResult{}, err
	}

	if err := writeEnvFile(s.StoatEnvPath(), map[string]string{
		"STOAT_TOKEN":     stoatToken,
		"STOAT_SERVER_ID": stoatServerID,
	}); err != nil {
		return ApplyResult{}, err
	}

	result := ApplyResult{
		Saved:               true,
		InstallDependencies: req.InstallDependencies,
	}

	if req.InstallDependencies {
		output, code := s.installDependencies()
		result.PipOutput = output
		result.PipExitCode = &code
	}

	return result, nil
}

// ParseMessageLimit normalizes the archiver's message limit: "none" (or
// empty) means unlimited, otherwise a positive integer is kept verbatim.
func ParseMessageLimit(raw string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" || value == "none" {
		return "none", nil
	}
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return value, nil
	}
	return "", fmt.Errorf("DISCORD_MESSAGE_LIMIT must be 'none' or a positive integer")
}

// installDependencies runs pip for the scripts' packages and returns its
// combined output and exit code.
func (s *Store) installDependencies() (string, int) {
	args := append([]string{"-m", "pip", "install"}, pipPackages...)
	cmd := exec.Command(s.python, args...)
	cmd.Dir = s.root

	output, err := cmd.CombinedOutput()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
			output = append(output, []byte(err.Error())...)
		}
	}
	return string(output), code
}

func readEnvFile(path string) map[string]string {
	values, err := godotenv.Read(path)
	if err != nil {
		return map[string]string{}
	}
	return values
}

func writeEnvFile(path string, values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create env dir: %w", err)
	}
	if err := godotenv.Write(values, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
