package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profileDef = `#!/usr/bin/env bash
# shellcheck disable=SC2034

iso_name="archlinux"
iso_label="ARCH_$(date +%Y%m)"
install_dir='arch'
buildmodes=('iso')
arch="x86_64"
`

func TestParsePackagesSkipsCommentsAndBlanks(t *testing.T) {
	pkgs, err := ParsePackages(strings.NewReader("base\n\n# editors\nvim\n  linux  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "vim", "linux"}, pkgs)
}

func TestParseProfileDef(t *testing.T) {
	settings, err := ParseProfileDef(strings.NewReader(profileDef))
	require.NoError(t, err)
	assert.Equal(t, "archlinux", settings["iso_name"])
	assert.Equal(t, "arch", settings["install_dir"])
	assert.Equal(t, "x86_64", settings["arch"])
	assert.Equal(t, "('iso')", settings["buildmodes"])
	assert.NotContains(t, settings, "#!/usr/bin/env bash")
}

func TestLoadReportsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PackagesFile), []byte("base\n"), 0o644))

	p, errs := Load(dir)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{"base"}, p.Packages)
	assert.Contains(t, p.Settings, "error")
}

func TestLoadFullProfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PackagesFile), []byte("base\nlinux\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProfileDefFile), []byte(profileDef), 0o644))

	p, errs := Load(dir)
	assert.Empty(t, errs)
	assert.Len(t, p.Packages, 2)
	assert.Equal(t, "archlinux", p.Settings["iso_name"])
}
