package kapti

import (
	"fmt"
	"strings"

	"github.com/gookit/color"
)

// Dependency is one runtime dependency of a package.
type Dependency struct {
	Name      string
	Installed bool
}

// PackageDetails is everything info shows about a package.
type PackageDetails struct {
	Name             string
	Version          string
	InstalledVersion string
	Summary          string
	Section          string
	Homepage         string
	Description      string
	Size             int64
	Depends          []Dependency
}

// PackageInfo collects the details of one package.
func (s *Store) PackageInfo(name string) (*PackageDetails, error) {
	p, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}
	d := &PackageDetails{Name: p.Name}
	var deps []string
	if e := p.Candidate; e != nil {
		d.Version = e.FullVersion()
		d.Summary = e.Summary
		d.Section = e.Section
		d.Homepage = e.Homepage
		d.Description = e.Description
		d.Size = e.Size
		deps = e.Depends
	}
	if rec := p.Installed; rec != nil {
		d.InstalledVersion = rec.Version
		if deps == nil {
			deps = rec.Depends
		}
	}

	s.mu.Lock()
	for _, dep := range deps {
		_, ok := s.installed[dep]
		d.Depends = append(d.Depends, Dependency{Name: dep, Installed: ok})
	}
	s.mu.Unlock()
	return d, nil
}

// InstalledPackages returns the installed packages whose name contains
// filter, sorted by name.
func (s *Store) InstalledPackages(filter string) ([]*Package, error) {
	pkgs, err := s.Packages()
	if err != nil {
		return nil, err
	}
	var out []*Package
	for _, p := range pkgs {
		if p.IsInstalled() && strings.Contains(p.Name, filter) {
			out = append(out, p)
		}
	}
	return out, nil
}

func formatPackageInfo(d *PackageDetails) []string {
	field := func(k, v string) string {
		return fmt.Sprintf("%s %s", colInfo.Sprintf("%-12s", k+":"), v)
	}
	lines := []string{colSuccess.Sprint(d.Name)}
	if d.Summary != "" {
		lines = append(lines, "  "+d.Summary)
	}
	lines = append(lines, "")
	if d.Version != "" {
		lines = append(lines, field("Version", d.Version))
	}
	installed := colWarn.Sprint("no")
	if d.InstalledVersion != "" {
		installed = colNote.Sprint(d.InstalledVersion)
		if d.Version != "" && d.Version != d.InstalledVersion {
			installed += color.Yellow.Sprint(" (upgradable)")
		}
	}
	lines = append(lines, field("Installed", installed))
	if d.Section != "" {
		lines = append(lines, field("Section", d.Section))
	}
	if d.Homepage != "" {
		lines = append(lines, field("Homepage", d.Homepage))
	}
	if d.Size > 0 {
		lines = append(lines, field("Size", humanSize(d.Size)))
	}
	if len(d.Depends) > 0 {
		var parts []string
		for _, dep := range d.Depends {
			if dep.Installed {
				parts = append(parts, colNote.Sprint(dep.Name))
			} else {
				parts = append(parts, dep.Name)
			}
		}
		lines = append(lines, field("Depends", strings.Join(parts, ", ")))
	}
	if d.Description != "" {
		lines = append(lines, "")
		for _, l := range strings.Split(strings.TrimRight(d.Description, "\n"), "\n") {
			lines = append(lines, "  "+l)
		}
	}
	return lines
}

func formatSearchResults(results []SearchResult) []string {
	prefix := colArrow.Sprint("->")
	out := make([]string, 0, len(results))
	for _, r := range results {
		mark := " "
		if r.Installed {
			mark = colNote.Sprint("i")
		}
		out = append(out, fmt.Sprintf("%s %s %s %s %s",
			prefix, mark,
			colSuccess.Sprintf("%-25s", r.Name),
			color.Cyan.Sprintf("%-15s", r.Version),
			r.Summary))
	}
	return out
}

func formatInstalledList(pkgs []*Package) []string {
	prefix := colArrow.Sprint("->")
	out := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		line := fmt.Sprintf("%s %s %s", prefix,
			colSuccess.Sprintf("%-25s", p.Name),
			colNote.Sprintf("%-15s", p.Installed.Version))
		if p.Upgradable() {
			line += " " + color.Yellow.Sprintf("-> %s", p.Candidate.FullVersion())
		}
		out = append(out, line)
	}
	return out
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
