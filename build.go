// Coworker is a local-first filesystem coworker service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

/*
Coworker Build Automation

A Go-based build and test automation system for the coworker daemon.

Usage:
    go run build.go                    # Run full build and test pipeline
    go run build.go test              # Run tests only
    go run build.go build             # Build binary only
    go run build.go clean             # Clean build artifacts
    go run build.go fmt               # Format Go code
    go run build.go vet               # Run go vet
    go run build.go coverage          # Run tests with coverage
    go run build.go build-all         # Build for all platforms
    go run build.go --platform linux/amd64 build  # Build for specific platform
*/

package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[91m"
	colorGreen  = "\033[92m"
	colorYellow = "\033[93m"
	colorBlue   = "\033[94m"
	colorCyan   = "\033[96m"
)

// SupportedPlatform represents a target build platform
type SupportedPlatform struct {
	GOOS   string
	GOARCH string
}

var supportedPlatforms = []SupportedPlatform{
	{"linux", "amd64"},
	{"linux", "arm64"},
	{"darwin", "amd64"},
	{"darwin", "arm64"},
	{"windows", "amd64"},
}

// BuildRunner manages the build process
type BuildRunner struct {
	rootDir    string
	buildDir   string
	binaryName string
	startTime  time.Time
}

// NewBuildRunner creates a new build runner
func NewBuildRunner() (*BuildRunner, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	binaryName := "coworkerd"
	if runtime.GOOS == "windows" {
		binaryName = "coworkerd.exe"
	}

	return &BuildRunner{
		rootDir:    wd,
		buildDir:   filepath.Join(wd, "build"),
		binaryName: binaryName,
		startTime:  time.Now(),
	}, nil
}

// Print helpers
func (br *BuildRunner) printHeader(title string) {
	fmt.Printf("\n%s%s%s%s\n", colorBold, colorBlue, strings.Repeat("=", 60), colorReset)
	fmt.Printf("%s%s %s%s\n", colorBold, colorBlue, title, colorReset)
	fmt.Printf("%s%s%s%s\n\n", colorBold, colorBlue, strings.Repeat("=", 60), colorReset)
}

func (br *BuildRunner) printStep(step string) {
	fmt.Printf("%s%s→%s %s\n", colorBold, colorCyan, colorReset, step)
}

func (br *BuildRunner) printSuccess(message string) {
	fmt.Printf("%s%s✓%s %s\n", colorBold, colorGreen, colorReset, message)
}

func (br *BuildRunner) printError(message string) {
	fmt.Printf("%s%s✗%s %s\n", colorBold, colorRed, colorReset, message)
}

func (br *BuildRunner) printWarning(message string) {
	fmt.Printf("%s%s⚠%s %s\n", colorBold, colorYellow, colorReset, message)
}

// runCommand executes a command and returns exit code, stdout, and stderr
func (br *BuildRunner) runCommand(name string, args []string, cwd string, check bool) (int, string, string, error) {
	if cwd == "" {
		cwd = br.rootDir
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return 1, "", "", fmt.Errorf("command failed: %w", err)
		}
	}

	if check && exitCode != 0 {
		br.printError(fmt.Sprintf("Command failed: %s %s", name, strings.Join(args, " ")))
		if stdout.Len() > 0 {
			fmt.Printf("STDOUT:\n%s\n", stdout.String())
		}
		if stderr.Len() > 0 {
			fmt.Printf("STDERR:\n%s\n", stderr.String())
		}
	}

	return exitCode, stdout.String(), stderr.String(), nil
}

// CheckPrerequisites verifies required tools are available
func (br *BuildRunner) CheckPrerequisites() bool {
	br.printStep("Checking prerequisites")

	exitCode, stdout, _, err := br.runCommand("go", []string{"version"}, "", false)
	if err != nil || exitCode != 0 {
		br.printError("Go is not installed or not in PATH")
		return false
	}

	goVersion := strings.TrimSpace(stdout)
	br.printSuccess(fmt.Sprintf("Found %s", goVersion))

	if _, err := os.Stat(filepath.Join(br.rootDir, "go.mod")); os.IsNotExist(err) {
		br.printError("go.mod not found - not in a Go module directory")
		return false
	}

	br.printSuccess("All prerequisites met")
	return true
}

// Clean removes build artifacts
func (br *BuildRunner) Clean() bool {
	br.printStep("Cleaning build artifacts")

	if err := os.RemoveAll(br.buildDir); err != nil {
		if !os.IsNotExist(err) {
			br.printError(fmt.Sprintf("Failed to remove build directory: %v", err))
			return false
		}
	} else {
		br.printSuccess("Removed build directory")
	}

	binaryPath := filepath.Join(br.rootDir, br.binaryName)
	if err := os.Remove(binaryPath); err == nil {
		br.printSuccess(fmt.Sprintf("Removed %s", br.binaryName))
	}

	testArtifacts := []string{"coverage.out", "coverage.html"}
	for _, artifact := range testArtifacts {
		if err := os.Remove(filepath.Join(br.rootDir, artifact)); err == nil {
			br.printSuccess(fmt.Sprintf("Removed %s", artifact))
		}
	}

	patterns := []string{"*.test", "*.db", "*.db-wal", "*.db-shm"}
	for _, pattern := range patterns {
		matches, _ := filepath.Glob(filepath.Join(br.rootDir, pattern))
		for _, match := range matches {
			os.Remove(match)
		}
	}

	br.printSuccess("Cleaned test artifacts")
	return true
}

// Format runs gofmt over the tree
func (br *BuildRunner) Format() bool {
	br.printStep("Formatting Go code")

	exitCode, stdout, _, err := br.runCommand("gofmt", []string{"-l", "-w", "."}, "", true)
	if err != nil || exitCode != 0 {
		return false
	}
	if strings.TrimSpace(stdout) != "" {
		br.printWarning("Reformatted files:\n" + stdout)
	}
	br.printSuccess("Code formatted")
	return true
}

// Vet runs go vet over all packages
func (br *BuildRunner) Vet() bool {
	br.printStep("Running go vet")

	exitCode, _, _, err := br.runCommand("go", []string{"vet", "./..."}, "", true)
	if err != nil || exitCode != 0 {
		return false
	}
	br.printSuccess("go vet passed")
	return true
}

// Test runs the test suite
func (br *BuildRunner) Test() bool {
	br.printStep("Running tests")

	exitCode, stdout, stderr, err := br.runCommand("go", []string{"test", "-race", "./..."}, "", true)
	if err != nil || exitCode != 0 {
		return false
	}
	if stdout != "" {
		fmt.Print(stdout)
	}
	if stderr != "" {
		fmt.Print(stderr)
	}
	br.printSuccess("All tests passed")
	return true
}

// Coverage runs tests with coverage reporting
func (br *BuildRunner) Coverage() bool {
	br.printStep("Running tests with coverage")

	exitCode, stdout, _, err := br.runCommand("go",
		[]string{"test", "-coverprofile=coverage.out", "./..."}, "", true)
	if err != nil || exitCode != 0 {
		return false
	}
	fmt.Print(stdout)

	if exitCode, stdout, _, err = br.runCommand("go",
		[]string{"tool", "cover", "-func=coverage.out"}, "", false); err == nil && exitCode == 0 {
		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		if len(lines) > 0 {
			br.printSuccess(lines[len(lines)-1])
		}
	}
	return true
}

// Build compiles the daemon for the host (or given) platform
func (br *BuildRunner) Build(goos, goarch string) bool {
	target := br.binaryName
	if goos != "" && goarch != "" {
		target = fmt.Sprintf("coworkerd-%s-%s", goos, goarch)
		if goos == "windows" {
			target += ".exe"
		}
	}
	br.printStep(fmt.Sprintf("Building %s", target))

	if err := os.MkdirAll(br.buildDir, 0o755); err != nil {
		br.printError(fmt.Sprintf("Failed to create build directory: %v", err))
		return false
	}

	args := []string{"build", "-trimpath", "-o", filepath.Join(br.buildDir, target), "./cmd/coworkerd"}
	cmd := exec.Command("go", args...)
	cmd.Dir = br.rootDir
	cmd.Env = os.Environ()
	if goos != "" {
		cmd.Env = append(cmd.Env, "GOOS="+goos, "GOARCH="+goarch, "CGO_ENABLED=0")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		br.printError(fmt.Sprintf("Build failed: %v\n%s", err, stderr.String()))
		return false
	}

	br.printSuccess(fmt.Sprintf("Built %s", filepath.Join("build", target)))
	return true
}

// BuildAll cross-compiles for every supported platform
func (br *BuildRunner) BuildAll() bool {
	ok := true
	for _, p := range supportedPlatforms {
		if !br.Build(p.GOOS, p.GOARCH) {
			ok = false
		}
	}
	return ok
}

// Validate runs the full pipeline: fmt, vet, test, build
func (br *BuildRunner) Validate() bool {
	steps := []func() bool{
		br.Format,
		br.Vet,
		br.Test,
		func() bool { return br.Build("", "") },
	}
	for _, step := range steps {
		if !step() {
			return false
		}
	}
	return true
}

func main() {
	platform := flag.String("platform", "", "Target platform as GOOS/GOARCH (e.g. linux/amd64)")
	flag.Parse()

	br, err := NewBuildRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}

	var goos, goarch string
	if *platform != "" {
		parts := strings.SplitN(*platform, "/", 2)
		if len(parts) != 2 {
			br.printError("platform must be GOOS/GOARCH")
			os.Exit(2)
		}
		goos, goarch = parts[0], parts[1]
	}

	command := "validate"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	br.printHeader("Coworker Build — " + command)
	if !br.CheckPrerequisites() {
		os.Exit(1)
	}

	ok := false
	switch command {
	case "validate":
		ok = br.Validate()
	case "build":
		ok = br.Build(goos, goarch)
	case "build-all":
		ok = br.BuildAll()
	case "test":
		ok = br.Test()
	case "coverage":
		ok = br.Coverage()
	case "fmt":
		ok = br.Format()
	case "vet":
		ok = br.Vet()
	case "clean":
		ok = br.Clean()
	default:
		br.printError(fmt.Sprintf("Unknown command: %s", command))
		os.Exit(2)
	}

	elapsed := time.Since(br.startTime).Round(time.Millisecond)
	if ok {
		br.printSuccess(fmt.Sprintf("Done in %s", elapsed))
		return
	}
	br.printError(fmt.Sprintf("Failed after %s", elapsed))
	os.Exit(1)
}
