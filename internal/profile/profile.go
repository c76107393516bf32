// Package profile reads the archiso profile the worker builds from.
package profile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	PackagesFile   = "packages.x86_64"
	ProfileDefFile = "profiledef.sh"
)

// Profile is the package list and the scalar settings of profiledef.sh.
type Profile struct {
	Packages []string          `json:"packages"`
	Settings map[string]string `json:"profile_settings"`
}

// Load reads both profile files from dir. A file that cannot be read is
// reported in the returned errors while the other one is still loaded, so
// callers can serve a partial profile.
func Load(dir string) (Profile, []error) {
	var errs []error
	p := Profile{Packages: []string{}, Settings: map[string]string{}}

	if f, err := os.Open(filepath.Join(dir, PackagesFile)); err != nil {
		errs = append(errs, fmt.Errorf("read packages: %w", err))
	} else {
		p.Packages, err = ParsePackages(f)
		f.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("parse packages: %w", err))
		}
	}

	if f, err := os.Open(filepath.Join(dir, ProfileDefFile)); err != nil {
		errs = append(errs, fmt.Errorf("read profiledef: %w", err))
		p.Settings = map[string]string{"error": err.Error()}
	} else {
		p.Settings, err = ParseProfileDef(f)
		f.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("parse profiledef: %w", err))
		}
	}
	return p, errs
}

// ParsePackages returns one package per non-empty, non-comment line.
func ParsePackages(r io.Reader) ([]string, error) {
	pkgs := []string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pkgs = append(pkgs, line)
	}
	return pkgs, sc.Err()
}

// ParseProfileDef extracts key=value assignments. Surrounding quotes are
// stripped; array values are kept verbatim.
func ParseProfileDef(r io.Reader) (map[string]string, error) {
	settings := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		settings[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return settings, sc.Err()
}
