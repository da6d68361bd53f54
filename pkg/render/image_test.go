package render

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/crucible/pkg/errdefs"
)

func TestImageRegexMatching(t *testing.T) {
	tests := []struct {
		name    string
		search  ImageSearch
		image   string
		matches bool
	}{
		{
			name: "base image match",
			search: ImageSearch{
				DistName: "almalinux", DistVersion: "8.10", DistArch: "x86_64",
				Channels: []string{"stable"},
			},
			image:   "almalinux-8.10-x86_64.base_image.test_system.stable.b20260812-3",
			matches: true,
		},
		{
			name: "flavored image match",
			search: ImageSearch{
				DistName: "centos", DistVersion: "7", DistArch: "aarch64",
				TestFlavorName: "panel", TestFlavorVersion: "11.2",
				Channels: []string{"stable", "rolling"},
			},
			image:   "centos-7-aarch64.panel-11.2.test_system.rolling.b20260101-1",
			matches: true,
		},
		{
			name: "i686 expands to all 32-bit spellings",
			search: ImageSearch{
				DistName: "centos", DistVersion: "7", DistArch: "i686",
				Channels: []string{"stable"},
			},
			image:   "centos-7-i386.base_image.test_system.stable.b20251231-9",
			matches: true,
		},
		{
			name: "wrong channel rejected",
			search: ImageSearch{
				DistName: "almalinux", DistVersion: "8.10", DistArch: "x86_64",
				Channels: []string{"stable"},
			},
			image:   "almalinux-8.10-x86_64.base_image.test_system.experimental.b20260812-3",
			matches: false,
		},
		{
			name: "wrong arch rejected",
			search: ImageSearch{
				DistName: "almalinux", DistVersion: "8.10", DistArch: "x86_64",
				Channels: []string{"stable"},
			},
			image:   "almalinux-8.10-aarch64.base_image.test_system.stable.b20260812-3",
			matches: false,
		},
		{
			name: "malformed build suffix rejected",
			search: ImageSearch{
				DistName: "almalinux", DistVersion: "8.10", DistArch: "x86_64",
				Channels: []string{"stable"},
			},
			image:   "almalinux-8.10-x86_64.base_image.test_system.stable.b2026-3",
			matches: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re, err := regexp.Compile(tt.search.Regex())
			require.NoError(t, err)
			assert.Equal(t, tt.matches, re.MatchString(tt.image))
		})
	}
}

func TestSelectImagePicksNewestBuild(t *testing.T) {
	search := ImageSearch{
		DistName: "almalinux", DistVersion: "8.10", DistArch: "x86_64",
		Channels: []string{"stable"},
	}
	catalog := []string{
		"almalinux-8.10-x86_64.base_image.test_system.stable.b20260810-1",
		"almalinux-8.10-x86_64.base_image.test_system.stable.b20260812-3",
		"almalinux-8.10-x86_64.base_image.test_system.stable.b20260812-1",
		"centos-7-x86_64.base_image.test_system.stable.b20260901-1",
	}

	name, err := search.SelectImage(catalog)
	require.NoError(t, err)
	assert.Equal(t, "almalinux-8.10-x86_64.base_image.test_system.stable.b20260812-3", name)
}

func TestSelectImageNoMatch(t *testing.T) {
	search := ImageSearch{
		DistName: "fedora", DistVersion: "41", DistArch: "s390x",
		Channels: []string{"stable"},
	}

	_, err := search.SelectImage([]string{
		"fedora-41-x86_64.base_image.test_system.stable.b20260812-1",
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindVMImageNotFound))
	// The error must name the search parameters so operators can tell
	// what was asked for.
	assert.Contains(t, err.Error(), "dist_name=fedora")
	assert.Contains(t, err.Error(), "dist_arch=s390x")
}

func TestTerraformRegexDoublesBackslashes(t *testing.T) {
	search := ImageSearch{
		DistName: "ubuntu", DistVersion: "24.04", DistArch: "aarch64",
		Channels: []string{"stable"},
	}
	assert.Contains(t, search.TerraformRegex(), `\\.base_image\\.test_system`)
	assert.Contains(t, search.TerraformRegex(), `b\\d{8}-\\d+`)
}
