package render

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cuemby/crucible/pkg/errdefs"
)

// thirtyTwoBitArches is the expansion applied when i686 is requested:
// image names may carry any of the 32-bit x86 spellings.
var thirtyTwoBitArches = []string{"i386", "i486", "i586", "i686"}

// ImageSearch describes one VM template lookup.
type ImageSearch struct {
	DistName          string
	DistVersion       string
	DistArch          string
	TestFlavorName    string
	TestFlavorVersion string
	Channels          []string
}

func (s ImageSearch) flavor() string {
	if s.TestFlavorName != "" {
		return s.TestFlavorName + "-" + s.TestFlavorVersion
	}
	return "base_image"
}

func (s ImageSearch) arches() string {
	if s.DistArch == "i686" {
		return strings.Join(thirtyTwoBitArches, "|")
	}
	return s.DistArch
}

// Regex assembles the template-name regex:
// <dist>-<ver>-(<arches>).<flavor>.test_system.(<channel-alt>).b\d{8}-\d+
func (s ImageSearch) Regex() string {
	return fmt.Sprintf(`%s-%s-(%s)\.%s\.test_system\.(%s)\.b\d{8}-\d+`,
		s.DistName, s.DistVersion, s.arches(), s.flavor(),
		strings.Join(s.Channels, "|"))
}

// TerraformRegex is Regex with backslashes doubled for embedding inside a
// terraform string literal.
func (s ImageSearch) TerraformRegex() string {
	return strings.ReplaceAll(s.Regex(), `\`, `\\`)
}

// NotFoundError is the structured empty-match error naming the search
// parameters.
func (s ImageSearch) NotFoundError() error {
	return errdefs.Newf(errdefs.KindVMImageNotFound,
		"no VM template matched dist_name=%s dist_version=%s dist_arch=%s flavor=%s channels=%s",
		s.DistName, s.DistVersion, s.DistArch, s.flavor(),
		strings.Join(s.Channels, ","))
}

// SelectImage picks the most recent template name matching the search out
// of the catalog: lexicographic descending by name, so the newest
// b<yyyymmdd>-<n> build wins. An empty match set is a structured error
// naming the search parameters.
func (s ImageSearch) SelectImage(catalog []string) (string, error) {
	re, err := regexp.Compile(s.Regex())
	if err != nil {
		return "", fmt.Errorf("failed to compile image regex: %w", err)
	}

	var matches []string
	for _, name := range catalog {
		if re.MatchString(name) {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return "", s.NotFoundError()
	}

	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches[0], nil
}
